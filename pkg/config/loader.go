package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective Config: Defaults(), overlaid with the YAML file
// at path (if it exists), overlaid with explicit environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional .env; ignored if absent

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			data = ExpandEnv(data)
			var fromFile Config
			if err := yaml.Unmarshal(data, &fromFile); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			if err := mergeInto(cfg, &fromFile); err != nil {
				return nil, fmt.Errorf("config: merging %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the direct environment variable overrides,
// which take precedence over both defaults and the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("ORCHESTRATOR_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orchestrator.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("ORCHESTRATOR_LOOP_INTERVAL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.LoopIntervalSeconds = n
		}
	}
	if v, ok := os.LookupEnv("ORCHESTRATOR_USAGE_LIMIT_PERCENT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.ThresholdPercent = f
		}
	}
	if v, ok := os.LookupEnv("ORCHESTRATOR_LOG_FILE"); ok {
		cfg.Orchestrator.LogFile = v
	}
	if v, ok := os.LookupEnv("ORCHESTRATOR_DECOMPOSER_MODEL"); ok {
		cfg.Orchestrator.DecomposerModel = v
	}
	if v, ok := os.LookupEnv("SHORT_TERM_MEMORY_RETENTION_HOURS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.ShortTerm.RetentionHours = n
		}
	}
	if v, ok := os.LookupEnv("MAX_CONCURRENT_WORKTREES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worktree.MaxConcurrentWorktrees = n
		}
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		cfg.HTTP.Port = v
	}
	if v, ok := os.LookupEnv("QDRANT_HOST"); ok {
		cfg.Memory.LongTerm.QdrantHost = v
	}
	if v, ok := os.LookupEnv("QDRANT_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.LongTerm.QdrantPort = n
		}
	}
	if v, ok := os.LookupEnv("QDRANT_API_KEY"); ok {
		cfg.Memory.LongTerm.QdrantAPIKey = v
	}
	if v, ok := os.LookupEnv("EMBEDDING_URL"); ok {
		cfg.Memory.LongTerm.EmbedURL = v
	}
	if v, ok := os.LookupEnv("EMBEDDING_MODEL"); ok {
		cfg.Memory.LongTerm.EmbedModel = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		cfg.Memory.ShortTerm.RedisAddr = v
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.Memory.ShortTerm.RedisPassword = v
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		// DATABASE_URL overrides the individual host/port/user fields when set.
		cfg.Database.DSN = v
	}
	if v, ok := os.LookupEnv("AGENT_PRIMARY_COMMAND"); ok {
		cfg.Agent.PrimaryCommand = v
	}
	if v, ok := os.LookupEnv("AGENT_SECONDARY_COMMAND"); ok {
		cfg.Agent.SecondaryCommand = v
	}
	if v, ok := os.LookupEnv("GIN_MODE"); ok {
		cfg.HTTP.GinMode = v
	}
	if v, ok := os.LookupEnv("ALLOWED_WS_ORIGINS"); ok {
		cfg.HTTP.AllowedWSOrigins = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("CLEANUP_INTERVAL_MINUTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.IntervalMinutes = n
		}
	}
	if v, ok := os.LookupEnv("CLEANUP_INTERVAL_DAYS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.IntervalDays = n
		}
	}
}
