package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"reflect"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// NewConfig loads envPath into the process environment, when it exists, and
// parses the result. Variables already set take precedence over the file.
func NewConfig(envPath string) (Config, error) {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	return Parse()
}

func Parse() (Config, error) {
	var c Config
	if err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(slog.LevelInfo): func(v string) (interface{}, error) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return level, nil
		},
	}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if c.Reconcile.Workers <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_WORKERS must be positive, got %d", c.Reconcile.Workers)
	}
	if c.Reconcile.MaxAttempts == 0 {
		return Config{}, errors.New("RECONCILE_MAX_ATTEMPTS must be positive")
	}

	return c, nil
}

type Config struct {
	API struct {
		Port          int           `env:"PORT" envDefault:"31337"`
		JwtSecret     string        `env:"JWT_SECRET,required,notEmpty"`
		TokenDuration time.Duration `env:"TOKEN_DURATION" envDefault:"11h"`
	}
	App struct {
		LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
		MetricsPort int        `env:"METRICS_PORT" envDefault:"9010"`
	}
	Chain struct {
		EthNodeUrl  string        `env:"ETH_NODE_URL" envDefault:"http://localhost:8545"`
		CallTimeout time.Duration `env:"CHAIN_CALL_TIMEOUT" envDefault:"10s"`
	}
	Storage struct {
		DbConnectionUrl string `env:"DB_CONNECTION_URL"`
		DbName          string `env:"DB_NAME" envDefault:"safe_history"`

		// only used by the in-memory store
		ObserverUsername string `env:"OBSERVER_USERNAME"`
		ObserverPassword string `env:"OBSERVER_PASSWORD"`
	}
	Reconcile struct {
		RetryAfter  time.Duration `env:"RECONCILE_RETRY_AFTER" envDefault:"10s"`
		MaxAttempts uint          `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"10"`
		Workers     int           `env:"RECONCILE_WORKERS" envDefault:"4"`
		QueueSize   int           `env:"RECONCILE_QUEUE_SIZE" envDefault:"1024"`
	}
}
