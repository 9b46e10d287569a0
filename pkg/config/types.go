// Package config loads and validates the orchestrator's layered
// configuration: a YAML file (orchestrator.yaml) merged with environment
// variable overrides.
package config

import "time"

// Config is the umbrella configuration object, assembled once at start-up
// and passed explicitly to every component constructor; no ambient
// singletons outside the composition root.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worktree     WorktreeConfig     `yaml:"worktree"`
	Memory       MemoryConfig       `yaml:"memory"`
	Budget       BudgetConfig       `yaml:"budget"`
	Agent        AgentConfig        `yaml:"agent"`
	Database     DatabaseConfig     `yaml:"database"`
	HTTP         HTTPConfig         `yaml:"http"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
}

// CleanupConfig controls the periodic retention sweep that expires
// short-term memory entries and garbage-collects orphaned worktrees. Both
// cadence units are kept as independent knobs so deployments that set
// either keep working; Interval resolves a configuration that sets both.
type CleanupConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	IntervalDays    int `yaml:"interval_days"`
}

// Interval resolves the two unit knobs to a single time.Duration. A
// positive IntervalDays takes precedence over IntervalMinutes.
func (c CleanupConfig) Interval() time.Duration {
	if c.IntervalDays > 0 {
		return time.Duration(c.IntervalDays) * 24 * time.Hour
	}
	if c.IntervalMinutes > 0 {
		return time.Duration(c.IntervalMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// OrchestratorConfig controls the tick-driven loop.
type OrchestratorConfig struct {
	Enabled             bool          `yaml:"enabled"`
	LoopIntervalSeconds int           `yaml:"loop_interval_seconds"`
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	LogFile             string        `yaml:"log_file"`
	DecomposerModel     string        `yaml:"decomposer_model"`
}

// Interval returns the configured loop interval as a time.Duration.
func (c OrchestratorConfig) Interval() time.Duration {
	return time.Duration(c.LoopIntervalSeconds) * time.Second
}

// WorktreeConfig controls the WorktreeManager.
type WorktreeConfig struct {
	RepoPath              string `yaml:"repo_path"`
	MaxConcurrentWorktrees int   `yaml:"max_concurrent_worktrees"`
	BranchPrefix          string `yaml:"branch_prefix"`
	WorktreeDir           string `yaml:"worktree_dir"`
}

// MemoryConfig controls ShortTermMemory (Redis) and LongTermMemory (Qdrant).
type MemoryConfig struct {
	ShortTerm ShortTermConfig `yaml:"short_term"`
	LongTerm  LongTermConfig  `yaml:"long_term"`
}

// ShortTermConfig configures the TTL-bounded orchestrator step log.
type ShortTermConfig struct {
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RetentionHours  int           `yaml:"retention_hours"`
}

// Retention returns the configured retention as a time.Duration.
func (c ShortTermConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// LongTermConfig configures the durable, vector-keyed learning store.
type LongTermConfig struct {
	QdrantHost     string `yaml:"qdrant_host"`
	QdrantPort     int    `yaml:"qdrant_port"`
	QdrantAPIKey   string `yaml:"qdrant_api_key"`
	CollectionName string `yaml:"collection_name"`
	VectorSize     uint64 `yaml:"vector_size"`
	EmbedURL       string `yaml:"embed_url"`
	EmbedModel     string `yaml:"embed_model"`
	QueryLimit     int    `yaml:"query_limit"`
	QueryThreshold float32 `yaml:"query_threshold"`
}

// BudgetConfig controls the UsageBudget gate.
type BudgetConfig struct {
	ProbeURL       string  `yaml:"probe_url"`
	ThresholdPercent float64 `yaml:"threshold_percent"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// AgentConfig selects and configures the AgentAdapter back-ends.
type AgentConfig struct {
	PrimaryCommand   string   `yaml:"primary_command"`
	SecondaryCommand string   `yaml:"secondary_command"`
	PrimaryPrefixes  []string `yaml:"primary_prefixes"`
	SecondaryPrefixes []string `yaml:"secondary_prefixes"`
	AllowedTools     []string `yaml:"allowed_tools"`
	BypassPermissions bool    `yaml:"bypass_permissions"`
}

// DatabaseConfig configures the PostgreSQL connection pool. DSN, when set,
// takes precedence over the individual Host/Port/User/Password fields.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// HTTPConfig configures the Command API / WebSocket server.
type HTTPConfig struct {
	Port             string   `yaml:"port"`
	GinMode          string   `yaml:"gin_mode"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
