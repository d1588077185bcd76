package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads and parses configuration from the given file path, layered
// under ALERTFEED_* environment variables. An empty path skips the file and
// configures from environment and defaults alone.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("alertfeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can bind it even when the
// config file omits the section.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", defaultListenAddr)
	v.SetDefault("server.write_timeout", defaultSrvWriteTimeout.String())
	v.SetDefault("server.read_timeout", defaultSrvReadTimeout.String())
	v.SetDefault("server.verbose_cors", false)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.query_timeout", defaultQueryTimeout.String())
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.refresh_secret", "")
	v.SetDefault("alerts.sweep_interval", defaultSweepInterval.String())
}
