// Package config manages foreman configuration.
package config

// Config represents the foreman configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Quota     QuotaConfig     `mapstructure:"quota"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the foreman HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WorkersConfig configures out-of-process worker execution.
//
// Commands maps a job category to the command line used to spawn its worker,
// e.g. scrape = "python3 scrape_worker.py". The command is split with shell
// quoting rules; the job id, server URL, and config snapshot are passed to
// the worker through FOREMAN_* environment variables.
type WorkersConfig struct {
	Commands map[string]string `mapstructure:"commands"`

	// ReconcileIntervalSeconds is how often the supervisor scans for jobs
	// whose recorded worker process is no longer alive (default: 30).
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`

	// PausePollMS is the interval at which a paused worker polls for an
	// operator answer, in milliseconds. Clamped to [500, 5000].
	PausePollMS int `mapstructure:"pause_poll_ms"`
}

// SchedulerConfig configures the recurring-job ticker
type SchedulerConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// QuotaConfig configures the shared daily creation quota.
//
// Shares splits DailyLimit across product lines by fixed counts; a category
// may not exceed its share even when the others are idle. Unused share is
// never carried into the next day.
type QuotaConfig struct {
	DailyLimit int            `mapstructure:"daily_limit"`
	Shares     map[string]int `mapstructure:"shares"`
}

// Default server port. High and unprivileged; chosen to avoid the common
// 8080/8000 collisions on shared back-office hosts.
const DefaultServerPort = 8743
