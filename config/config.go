package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/coinpulse/alertfeed/market/exchange"
	"github.com/coinpulse/alertfeed/market/types"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultSrvWriteTimeout = 15 * time.Second
	defaultSrvReadTimeout  = 15 * time.Second
	defaultQueryTimeout    = 5 * time.Second
	defaultSweepInterval   = 5 * time.Second

	SampleConfigPath = "alertfeed.example.toml"
)

var (
	validate = validator.New()

	// ErrEmptyConfigPath defines a sentinel error for an empty config path.
	ErrEmptyConfigPath = errors.New("empty configuration file path")
)

type (
	// Config defines all necessary alertfeed configuration parameters.
	Config struct {
		Server            Server              `mapstructure:"server"`
		Database          Database            `mapstructure:"database" validate:"required"`
		Redis             Redis               `mapstructure:"redis"`
		Auth              Auth                `mapstructure:"auth" validate:"required"`
		Alerts            Alerts              `mapstructure:"alerts"`
		ExchangeEndpoints []exchange.Endpoint `mapstructure:"exchange_endpoints" validate:"dive"`
	}

	// Server defines the API server configuration.
	Server struct {
		ListenAddr     string   `mapstructure:"listen_addr"`
		WriteTimeout   string   `mapstructure:"write_timeout"`
		ReadTimeout    string   `mapstructure:"read_timeout"`
		VerboseCORS    bool     `mapstructure:"verbose_cors"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}

	// Database defines the PostgreSQL connection for the durable alert store.
	Database struct {
		DSN          string `mapstructure:"dsn" validate:"required"`
		QueryTimeout string `mapstructure:"query_timeout"`
	}

	// Redis defines the optional Redis connection backing connect tokens. An
	// empty address falls back to the in-process store.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	// Auth defines the credential verification keys for the push handshake.
	Auth struct {
		JWTSecret     string `mapstructure:"jwt_secret" validate:"required"`
		RefreshSecret string `mapstructure:"refresh_secret"`
	}

	// Alerts defines the sweep cadence of the alert engine.
	Alerts struct {
		SweepInterval string `mapstructure:"sweep_interval"`
	}
)

// endpointValidation is custom validation for the exchange Endpoint struct.
func endpointValidation(sl validator.StructLevel) {
	endpoint := sl.Current().Interface().(exchange.Endpoint)

	if len(endpoint.Rest) < 1 && len(endpoint.Websocket) < 1 {
		sl.ReportError(endpoint, "endpoint", "Endpoint", "emptyEndpointOverride", "")
	}
	if _, err := types.ParseExchangeName(string(endpoint.Name)); err != nil {
		sl.ReportError(endpoint.Name, "name", "Name", "unsupportedEndpointExchange", "")
	}
}

// Validate returns an error if the Config object is invalid.
func (c Config) Validate() error {
	validate.RegisterStructValidation(endpointValidation, exchange.Endpoint{})
	return validate.Struct(c)
}

// GetListenAddr returns the configured listen address or the default.
func (s Server) GetListenAddr() string {
	if s.ListenAddr == "" {
		return defaultListenAddr
	}
	return s.ListenAddr
}

// GetWriteTimeout returns the parsed write timeout or the default.
func (s Server) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, defaultSrvWriteTimeout)
}

// GetReadTimeout returns the parsed read timeout or the default.
func (s Server) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, defaultSrvReadTimeout)
}

// GetQueryTimeout returns the parsed per-query timeout or the default.
func (d Database) GetQueryTimeout() time.Duration {
	return parseDuration(d.QueryTimeout, defaultQueryTimeout)
}

// GetSweepInterval returns the parsed sweep interval or the default.
func (a Alerts) GetSweepInterval() time.Duration {
	return parseDuration(a.SweepInterval, defaultSweepInterval)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
