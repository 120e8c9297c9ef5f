package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root application configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Library LibraryConfig `yaml:"library"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig locates the encrypted data file and its key.
type StorageConfig struct {
	DataPath string `yaml:"data_path" env:"BOOKWISE_DATA_PATH" env-default:"bookwise_data.txt"`
	KeyPath  string `yaml:"key_path"  env:"BOOKWISE_KEY_PATH"  env-default:"bookwise_key.key"`
}

// LibraryConfig holds circulation rules.
type LibraryConfig struct {
	LoanPeriod time.Duration `yaml:"loan_period" env:"BOOKWISE_LOAN_PERIOD" env-default:"168h"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

const defaultPath = "./bookwise.yaml"

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults. The file is CONFIG_PATH, falling back to
// ./bookwise.yaml when that exists; otherwise ENV + defaults only.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = defaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Storage.DataPath) == "" {
		errs = append(errs, errors.New("storage.data_path is required"))
	}
	if strings.TrimSpace(c.Storage.KeyPath) == "" {
		errs = append(errs, errors.New("storage.key_path is required"))
	}
	if c.Storage.DataPath != "" && c.Storage.DataPath == c.Storage.KeyPath {
		errs = append(errs, errors.New("storage.data_path and storage.key_path must differ"))
	}
	if c.Library.LoanPeriod <= 0 {
		errs = append(errs, fmt.Errorf("library.loan_period must be positive, got %s", c.Library.LoanPeriod))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
