package config

import "os"

// ExpandEnv expands environment variables in YAML content using the standard
// library. Supports both ${VAR} and $VAR syntax. Missing variables expand to
// empty string; Validate catches required fields left empty afterwards.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
