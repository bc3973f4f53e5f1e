package app

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime configuration, loaded from LUMINA_*
// environment variables.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`

	// DatabaseURL empty -> in-memory store (dev mode).
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"lumina"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`

	// RedisURL empty -> in-process broadcaster (single-node dev mode).
	RedisURL string `envconfig:"REDIS_URL"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`

	// TokenHMACKey signs session tokens (>= 32 bytes). When empty,
	// DevInsecureAuth must be set explicitly or startup fails.
	TokenHMACKey    string `envconfig:"TOKEN_HMAC_KEY"`
	DevInsecureAuth bool   `envconfig:"DEV_INSECURE_AUTH" default:"false"`

	WSOriginRequired   bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins   []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure      bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSWriteTimeout     time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout  time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSSendQueue        int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSHeartbeatEvery   time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSRateEvents       int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow       time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`
}

// LoadConfig loads Config from the environment with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("lumina", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
