package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Backends BackendsConfig `mapstructure:"backends"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr          string        `mapstructure:"addr"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
}

type DispatchConfig struct {
	// Scheduler decides how the post-emit sweep runs: "inline" or "background".
	Scheduler          string `mapstructure:"scheduler"`
	EventTypesFile     string `mapstructure:"event_types_file"`
	BatchSize          int    `mapstructure:"batch_size"`
	AmplitudeBatchSize int    `mapstructure:"amplitude_batch_size"`
	RetentionShortDays int    `mapstructure:"retention_short_days"`
	RetentionLongDays  int    `mapstructure:"retention_long_days"`
}

type BackendsConfig struct {
	Amplitude  AmplitudeConfig  `mapstructure:"amplitude"`
	Intercom   IntercomConfig   `mapstructure:"intercom"`
	GA4        GA4Config        `mapstructure:"ga4"`
	Mixpanel   MixpanelConfig   `mapstructure:"mixpanel"`
	UserDotCom UserDotComConfig `mapstructure:"userdotcom"`
}

type AmplitudeConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type IntercomConfig struct {
	AccessToken string `mapstructure:"access_token"`
}

type GA4Config struct {
	APISecret     string `mapstructure:"api_secret"`
	MeasurementID string `mapstructure:"measurement_id"`
	ClientID      string `mapstructure:"client_id"`
}

type MixpanelConfig struct {
	Token string `mapstructure:"token"`
}

type UserDotComConfig struct {
	APIKey string `mapstructure:"api_key"`
	App    string `mapstructure:"app"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.config"))

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			// Keep default and env-backed config when no file is provided.
			logging.Warn(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("scheduler", cfg.Dispatch.Scheduler),
	)

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch cfg.Dispatch.Scheduler {
	case "inline", "background":
	default:
		return fmt.Errorf("dispatch.scheduler must be inline or background, got %q", cfg.Dispatch.Scheduler)
	}
	if cfg.Dispatch.BatchSize <= 0 {
		return errors.New("dispatch.batch_size must be positive")
	}
	if cfg.Dispatch.AmplitudeBatchSize <= 0 {
		return errors.New("dispatch.amplitude_batch_size must be positive")
	}
	if cfg.Dispatch.RetentionShortDays <= 0 || cfg.Dispatch.RetentionLongDays <= 0 {
		return errors.New("dispatch retention windows must be positive")
	}
	if cfg.Dispatch.RetentionLongDays < cfg.Dispatch.RetentionShortDays {
		return errors.New("dispatch.retention_long_days must not be shorter than retention_short_days")
	}
	if cfg.HTTP.ClientTimeout <= 0 {
		return errors.New("http.client_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "eventrelay")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.version", "dev")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/eventrelay.sqlite")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.client_timeout", 10*time.Second)
	v.SetDefault("dispatch.scheduler", "inline")
	v.SetDefault("dispatch.event_types_file", "configs/event_types.toml")
	v.SetDefault("dispatch.batch_size", 500)
	v.SetDefault("dispatch.amplitude_batch_size", 100)
	v.SetDefault("dispatch.retention_short_days", 2)
	v.SetDefault("dispatch.retention_long_days", 56)
}
