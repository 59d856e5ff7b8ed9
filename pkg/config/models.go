package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	State     StateConfig     `mapstructure:"state"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RateLimitConfig shapes the sliding-window admission control applied to
// every inbound operation. OperationLimits overrides the global limit for
// specific operation names.
type RateLimitConfig struct {
	Enabled                bool           `mapstructure:"enabled"`
	MaxRequestsPerWindow   int            `mapstructure:"maxRequestsPerWindow"`
	WindowSeconds          int            `mapstructure:"windowSeconds"`
	CleanupIntervalMinutes int            `mapstructure:"cleanupIntervalMinutes"`
	OperationLimits        map[string]int `mapstructure:"operationLimits"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c RateLimitConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// StateConfig controls the expiring session-state store. SessionRetention is
// how long metadata about a closed connection stays readable before the
// sweeper reclaims it.
type StateConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweepInterval"`
	SessionRetention time.Duration `mapstructure:"sessionRetention"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}
