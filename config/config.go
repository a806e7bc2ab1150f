package config

import (
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/labstack/gommon/log"
)

type Config struct {
	HttpPort      int    `envconfig:"HTTP_PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"*"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD" required:"false"`
	RedisDB         int           `envconfig:"REDIS_DB" required:"false" default:"0"`
	RoomTTL         time.Duration `envconfig:"ROOM_TTL" default:"1h"`
	StoreTimeout    time.Duration `envconfig:"STORE_TIMEOUT" default:"3s"`
	StoreRetryDelay time.Duration `envconfig:"STORE_RETRY_DELAY" default:"200ms"`

	MeetingServiceURL   string        `envconfig:"MEETING_SERVICE_URL" required:"true"`
	MeetingServiceToken string        `envconfig:"MEETING_SERVICE_TOKEN"`
	VerifyTimeout       time.Duration `envconfig:"VERIFY_TIMEOUT" default:"5s"`

	MaxParticipants        int  `envconfig:"MAX_PARTICIPANTS" default:"50"`
	StrictSingleRoom       bool `envconfig:"STRICT_SINGLE_ROOM" default:"true"`
	RelayRequireMembership bool `envconfig:"RELAY_REQUIRE_MEMBERSHIP" default:"true"`

	MaxWorkers      int           `envconfig:"MAX_WORKERS" default:"8"`
	PingInterval    time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	RateLimitPerSec float64       `envconfig:"RATE_LIMIT_PER_SEC" default:"20"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"40"`
}

var (
	c    Config
	once sync.Once
)

// Get returns the process configuration, exiting on invalid environment.
func Get() *Config {
	once.Do(func() {
		loaded, err := Load()
		if err != nil {
			log.Fatal(err)
		}
		c = *loaded
	})
	return &c
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Level maps LOG_LEVEL onto a gommon log level, defaulting to INFO.
func (c *Config) Level() log.Lvl {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}
