package model

// Settings are process-wide options with enumerated effects.
type Settings struct {
	AutoSaveAsMocks         bool     `json:"autoSaveAsMocks" mapstructure:"auto_save_as_mocks"`
	AutoReplaceOnDifference bool     `json:"autoReplaceOnDifference" mapstructure:"auto_replace_on_difference"`
	EnableDeduplication     bool     `json:"enableDeduplication" mapstructure:"enable_deduplication"`
	DeduplicationWindowMs   int64    `json:"deduplicationWindowMs" mapstructure:"deduplication_window_ms"`
	FilterHealthChecks      bool     `json:"filterHealthChecks" mapstructure:"filter_health_checks"`
	HealthCheckQueries      []string `json:"healthCheckQueries" mapstructure:"health_check_queries"`
	EnablePatternMatching   bool     `json:"enablePatternMatching" mapstructure:"enable_pattern_matching"`
	MaxRequestHistory       int      `json:"maxRequestHistory" mapstructure:"max_request_history"`
	MaxMockHistory          int      `json:"maxMockHistory" mapstructure:"max_mock_history"`
	StalePendingTimeoutMs   int64    `json:"stalePendingTimeoutMs" mapstructure:"stale_pending_timeout_ms"`
	EnableHTTPS             bool     `json:"enableHttps" mapstructure:"enable_https"`
	GlobalAutoStart         bool     `json:"globalAutoStart" mapstructure:"global_auto_start"`
	TestingMode             bool     `json:"testingMode" mapstructure:"testing_mode"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoSaveAsMocks:         false,
		AutoReplaceOnDifference: false,
		EnableDeduplication:     false,
		DeduplicationWindowMs:   1000,
		FilterHealthChecks:      true,
		HealthCheckQueries:      []string{"select 1", "select now()", "show tables"},
		EnablePatternMatching:   false,
		MaxRequestHistory:       1000,
		MaxMockHistory:          1000,
		StalePendingTimeoutMs:   30_000,
		EnableHTTPS:             false,
		GlobalAutoStart:         true,
		TestingMode:             false,
	}
}
