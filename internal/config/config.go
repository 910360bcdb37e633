package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN      string `env:"POSTGRES_DSN,notEmpty"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"4"`
	MigrationsDir    string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	QueueBackend  string `env:"QUEUE_BACKEND" envDefault:"memory"`
	QueuePrefix   string `env:"QUEUE_PREFIX" envDefault:"stockq"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	EnrichURL     string        `env:"ENRICH_URL"`
	EnrichSource  string        `env:"ENRICH_SOURCE" envDefault:"walmart"`
	EnrichTimeout time.Duration `env:"ENRICH_TIMEOUT" envDefault:"20s"`
	EnrichRPS     float64       `env:"ENRICH_RPS" envDefault:"0"`

	UploadDir  string `env:"UPLOAD_DIR" envDefault:"uploads"`
	LedgerPath string `env:"LEDGER_PATH" envDefault:"uploads/ledger.db"`

	PeekWindow int           `env:"PEEK_WINDOW" envDefault:"8"`
	YieldPause time.Duration `env:"YIELD_PAUSE" envDefault:"0s"`

	RetentionCron   string        `env:"RETENTION_CRON" envDefault:"0 3 * * *"`
	RetentionMaxAge time.Duration `env:"RETENTION_MAX_AGE" envDefault:"720h"`
	RefreshAfter    time.Duration `env:"REFRESH_AFTER" envDefault:"24h"`
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()
	c, err := Parse(nil)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

// Parse reads the config from environ, or from the process environment when
// environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var c Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return errors.Errorf("QUEUE_BACKEND must be memory or redis, got %q", c.QueueBackend)
	}
	if c.PeekWindow < 1 {
		return errors.Errorf("PEEK_WINDOW must be >= 1, got %d", c.PeekWindow)
	}
	if c.EnrichTimeout <= 0 {
		return errors.New("ENRICH_TIMEOUT must be positive")
	}
	return nil
}
