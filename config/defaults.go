package config

import "github.com/spf13/viper"

// SetDefaults applies default configuration values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "foreman.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost"})

	v.SetDefault("workers.commands", map[string]string{})
	v.SetDefault("workers.reconcile_interval_seconds", 30)
	v.SetDefault("workers.pause_poll_ms", 1000)

	v.SetDefault("scheduler.tick_interval_seconds", 1)

	// Daily product-creation budget split across the two product lines.
	v.SetDefault("quota.daily_limit", 1000)
	v.SetDefault("quota.shares", map[string]int{
		"wheels": 700,
		"tires":  300,
	})
}
