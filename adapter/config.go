package deriv

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".deriv"
	envPrefix  = "DERIV"

	DefaultAppID              = "16929"
	DefaultBrand              = "deriv"
	DefaultLanguage           = "EN"
	DefaultOAuthURL           = "https://oauth.deriv.com/oauth2/authorize"
	DefaultWatchdogTimeout    = 30 * time.Second
	DefaultServerTimeInterval = 30 * time.Second
)

// Config holds everything needed to open a Deriv session. The key tags name
// the viper keys and are used in validation errors.
type Config struct {
	AppID     string `key:"app_id" validate:"required"`
	Brand     string `key:"brand" validate:"required"`
	Language  string
	ServerURL string // overrides socket host selection when set

	OAuth struct {
		URL         string
		TokenURL    string
		RedirectURL string
	}

	Storage struct {
		Backend string `key:"backend" validate:"oneof=file badger memory"`
		Path    string `key:"path" validate:"required_unless=Backend memory"`
	} `key:"storage"`

	WatchdogTimeout    time.Duration `key:"watchdog_timeout" validate:"gt=0"`
	ServerTimeInterval time.Duration `key:"server_time_interval" validate:"gt=0"`

	Log struct {
		Level  string `key:"level" validate:"loglevel"`
		Format string `key:"format" validate:"oneof=text json"`
	} `key:"log"`

	Callback struct {
		Listen string
	}
}

// NewViper returns a viper instance with defaults, the DERIV_ env prefix and
// $HOME/.deriv/config.toml as the optional config file
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, configDir))
		v.SetDefault("storage.path", filepath.Join(homeDir, configDir, "storage.toml"))
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_id", DefaultAppID)
	v.SetDefault("brand", DefaultBrand)
	v.SetDefault("language", DefaultLanguage)
	v.SetDefault("server_url", "")
	v.SetDefault("oauth.url", DefaultOAuthURL)
	v.SetDefault("oauth.token_url", "")
	v.SetDefault("oauth.redirect_url", "http://127.0.0.1:8085/redirect")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("watchdog_timeout", DefaultWatchdogTimeout)
	v.SetDefault("server_time_interval", DefaultServerTimeInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("callback.listen", "127.0.0.1:8085")
	return v
}

// LoadConfig reads the optional config file and maps v onto a Config
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		AppID:              v.GetString("app_id"),
		Brand:              v.GetString("brand"),
		Language:           strings.ToUpper(v.GetString("language")),
		ServerURL:          v.GetString("server_url"),
		WatchdogTimeout:    v.GetDuration("watchdog_timeout"),
		ServerTimeInterval: v.GetDuration("server_time_interval"),
	}
	cfg.OAuth.URL = v.GetString("oauth.url")
	cfg.OAuth.TokenURL = v.GetString("oauth.token_url")
	cfg.OAuth.RedirectURL = v.GetString("oauth.redirect_url")
	cfg.Storage.Backend = v.GetString("storage.backend")
	cfg.Storage.Path = v.GetString("storage.path")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
	cfg.Callback.Listen = v.GetString("callback.listen")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("key")
	})
	if err := v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := parseLevel(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks required fields and enumerations
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}

	fe := fieldErrs[0]
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "required_unless":
		return fmt.Errorf("%s is required for %s backend", key, c.Storage.Backend)
	case "oneof":
		return fmt.Errorf("invalid %s: %v (must be one of %s)", key, fe.Value(), fe.Param())
	case "gt":
		return fmt.Errorf("%s must be positive", key)
	case "loglevel":
		return fmt.Errorf("invalid %s %q", key, fe.Value())
	default:
		return fmt.Errorf("invalid %s: failed %s", key, fe.Tag())
	}
}

// NewLogger builds the slog logger described by the log section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
