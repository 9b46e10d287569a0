package config

import "time"

// Defaults returns the configuration baseline applied before the YAML file
// and environment overrides are merged in.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Enabled:             true,
			LoopIntervalSeconds: 5,
			StageTimeout:        20 * time.Minute,
			LogFile:             "",
			DecomposerModel:     "opus-4.5",
		},
		Worktree: WorktreeConfig{
			RepoPath:               ".",
			MaxConcurrentWorktrees: 10,
			BranchPrefix:           "agent/",
			WorktreeDir:            ".worktrees",
		},
		Memory: MemoryConfig{
			ShortTerm: ShortTermConfig{
				RedisAddr:      "localhost:6379",
				RedisDB:        0,
				RetentionHours: 24,
			},
			LongTerm: LongTermConfig{
				QdrantHost:     "localhost",
				QdrantPort:     6334,
				CollectionName: "orchestrator_learnings",
				VectorSize:     384,
				EmbedModel:     "text-embedding-3-small",
				QueryLimit:     3,
				QueryThreshold: 0.7,
			},
		},
		Budget: BudgetConfig{
			ThresholdPercent: 85,
			ProbeTimeout:     5 * time.Second,
		},
		Agent: AgentConfig{
			PrimaryCommand:    "claude",
			SecondaryCommand:  "gemini",
			PrimaryPrefixes:   []string{"opus", "sonnet", "haiku"},
			SecondaryPrefixes: []string{"gemini"},
			AllowedTools: []string{
				"read-any-file", "write-file", "edit-file",
				"execute-shell", "glob", "grep", "todo-write",
			},
			BypassPermissions: true,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "orchestrator",
			Database:        "orchestrator",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		HTTP: HTTPConfig{
			Port:    "8080",
			GinMode: "release",
		},
		Cleanup: CleanupConfig{
			IntervalMinutes: 30,
		},
	}
}
