// Package masking scrubs secret-shaped substrings out of ExecutionLog
// content before it is persisted or broadcast. The pattern table is flat
// and always on; there is no per-source configuration.
package masking

import (
	"log/slog"
	"regexp"
)

// pattern is one compiled regex and the replacement text masked matches are
// substituted with.
type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatternSpecs covers the secret shapes that show up in agent
// stdout and stderr content.
var builtinPatternSpecs = []struct {
	name, expr, replacement string
}{
	{
		name:        "api_key",
		expr:        `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		replacement: `"api_key": "[MASKED_API_KEY]"`,
	},
	{
		name:        "password",
		expr:        `(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		replacement: `"password": "[MASKED_PASSWORD]"`,
	},
	{
		name:        "token",
		expr:        `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`,
		replacement: `"token": "[MASKED_TOKEN]"`,
	},
	{
		name:        "aws_access_key",
		expr:        `\bAKIA[0-9A-Z]{16}\b`,
		replacement: `[MASKED_AWS_ACCESS_KEY]`,
	},
	{
		name:        "aws_secret_key",
		expr:        `(?i)aws_secret_access_key["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
		replacement: `aws_secret_access_key: [MASKED_AWS_SECRET_KEY]`,
	},
	{
		name:        "ssh_key",
		expr:        `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		replacement: `[MASKED_SSH_KEY]`,
	},
	{
		name:        "certificate",
		expr:        `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `[MASKED_CERTIFICATE]`,
	},
}

// Scrubber masks secret-shaped content. The zero value is unusable; build
// one with New.
type Scrubber struct {
	patterns []pattern
}

// New compiles the built-in pattern set once. Invalid patterns (there
// should be none) are logged and skipped rather than failing start-up.
func New() *Scrubber {
	s := &Scrubber{}
	for _, spec := range builtinPatternSpecs {
		compiled, err := regexp.Compile(spec.expr)
		if err != nil {
			slog.Error("masking: failed to compile built-in pattern, skipping", "pattern", spec.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, pattern{name: spec.name, regex: compiled, replacement: spec.replacement})
	}
	return s
}

// Mask applies every built-in pattern to content in order and returns the
// scrubbed result. Safe to call on arbitrary, possibly non-UTF8 content: a
// pattern that panics on exotic input is never expected from regexp, so no
// recovery is attempted.
func (s *Scrubber) Mask(content string) string {
	for _, p := range s.patterns {
		content = p.regex.ReplaceAllString(content, p.replacement)
	}
	return content
}
