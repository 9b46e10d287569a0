package config

// Validate checks that the assembled Config is internally consistent,
// returning the first ValidationError found. Validation is fail-fast at
// start-up rather than deferred to first use.
func Validate(cfg *Config) error {
	if cfg.Orchestrator.LoopIntervalSeconds <= 0 {
		return newValidationError("orchestrator.loop_interval_seconds", "must be positive")
	}
	if cfg.Worktree.RepoPath == "" {
		return newValidationError("worktree.repo_path", "must not be empty")
	}
	if cfg.Worktree.MaxConcurrentWorktrees <= 0 {
		return newValidationError("worktree.max_concurrent_worktrees", "must be positive")
	}
	if cfg.Memory.ShortTerm.RedisAddr == "" {
		return newValidationError("memory.short_term.redis_addr", "must not be empty")
	}
	if cfg.Memory.ShortTerm.RetentionHours <= 0 {
		return newValidationError("memory.short_term.retention_hours", "must be positive")
	}
	if cfg.Memory.LongTerm.VectorSize == 0 {
		return newValidationError("memory.long_term.vector_size", "must be positive")
	}
	if cfg.Budget.ThresholdPercent <= 0 || cfg.Budget.ThresholdPercent > 100 {
		return newValidationError("budget.threshold_percent", "must be in (0, 100]")
	}
	if cfg.Agent.PrimaryCommand == "" {
		return newValidationError("agent.primary_command", "must not be empty")
	}
	if cfg.Database.DSN == "" && (cfg.Database.Host == "" || cfg.Database.Database == "") {
		return newValidationError("database", "either dsn or host+database must be set")
	}
	if cfg.HTTP.Port == "" {
		return newValidationError("http.port", "must not be empty")
	}
	return nil
}
