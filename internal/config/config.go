package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	JWT      JWT
	Presence Presence
	Call     Call
	Logger   Logger
}

type Server struct {
	Addr string
}

type Postgres struct {
	DSN string
}

type Redis struct {
	Addr string
}

type JWT struct {
	Secret    string
	ExpiresIn time.Duration
}

type Presence struct {
	// StalenessWindow bounds how long a profile update may stand in for an
	// explicit presence record when deciding whether a user looks online.
	StalenessWindow time.Duration
}

type Call struct {
	// NegotiationTimeout bounds media acquisition and SDP negotiation; a call
	// that has not connected by then fails instead of hanging.
	NegotiationTimeout time.Duration
}

type Logger struct {
	Development bool
	Level       string
}

func Load(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func Parse(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// Default returns a config built purely from env vars and defaults, for
// deployments that ship no config file.
func Default() *Config {
	c := &Config{}
	c.applyEnv()
	c.applyDefaults()
	return c
}

// Secrets come from the environment (Docker), never from the config file.
func (c *Config) applyEnv() {
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.JWT.ExpiresIn == 0 {
		c.JWT.ExpiresIn = 24 * time.Hour
	}
	if c.Presence.StalenessWindow == 0 {
		c.Presence.StalenessWindow = 5 * time.Minute
	}
	if c.Call.NegotiationTimeout == 0 {
		c.Call.NegotiationTimeout = 30 * time.Second
	}
}
