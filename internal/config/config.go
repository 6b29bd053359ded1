// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/indicator-hub/pkg/cache"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Config represents the full replay configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Feed        FeedConfig        `yaml:"feed"`
	Nodes       []NodeConfig      `yaml:"nodes" validate:"dive"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Replay      ReplayConfig      `yaml:"replay"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// SourceConfig describes the root quote hub.
type SourceConfig struct {
	Name            string `yaml:"name" default:"quotes" validate:"required"`
	Symbol          string `yaml:"symbol" default:"DEFAULT"`
	MaxCacheSize    int    `yaml:"max_cache_size" validate:"gte=0"`
	DuplicatePolicy string `yaml:"duplicate_policy" default:"reject" validate:"oneof=reject replace"`
}

// FeedConfig selects where mutations come from.
type FeedConfig struct {
	Type          string  `yaml:"type" default:"csv" validate:"oneof=csv sqlite"`
	Path          string  `yaml:"path"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" default:"1" validate:"gte=1"`
}

// NodeConfig is one indicator or aggregation stage of the pipeline.
type NodeConfig struct {
	Name     string             `yaml:"name" validate:"required"`
	Type     string             `yaml:"type" validate:"required,oneof=sma ema rsi macd atr stddev bollinger stoch stochrsi bars"`
	Source   string             `yaml:"source"`
	Interval time.Duration      `yaml:"interval"`
	Params   map[string]float64 `yaml:"params"`
}

// PersistenceConfig holds SQLite settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" default:"indicator-hub.db"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port" default:"9090" validate:"gte=1,lte=65535"`
	Path    string `yaml:"path" default:"/metrics"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
}

// ReplayConfig holds replay run settings.
type ReplayConfig struct {
	SkipVerify  bool `yaml:"skip_verify"`
	StopOnError bool `yaml:"stop_on_error"`
	TimeoutSec  int  `yaml:"timeout_sec" validate:"gte=0"`
}

// AlertingConfig holds run notification settings.
type AlertingConfig struct {
	Enabled         bool           `yaml:"enabled"`
	NotifyConverged bool           `yaml:"notify_converged"`
	Telegram        TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIURL     string `yaml:"api_url"`
	TimeoutSec int    `yaml:"timeout_sec" default:"10" validate:"gte=1"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// quoteInputs are node types that read whole bars rather than one value.
var quoteInputs = map[string]bool{"atr": true, "stoch": true, "bars": true}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", series.ErrInvalidConfig, err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldMessage(fe))
		}
	}

	if c.Source.MaxCacheSize == 1 {
		errs = append(errs, "source.max_cache_size must be 0 (unbounded) or at least 2")
	}
	if c.Feed.Type == "csv" && c.Feed.Path == "" {
		errs = append(errs, "feed.path is required for csv")
	}
	if c.Feed.Type == "sqlite" && !c.Persistence.Enabled {
		errs = append(errs, "feed.type sqlite requires persistence.enabled")
	}
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}
	if tg := c.Alerting.Telegram; c.Alerting.Enabled && tg.Enabled && (tg.BotToken == "" || tg.ChatID == "") {
		errs = append(errs, "alerting.telegram needs bot_token and chat_id")
	}

	// Nodes are listed bottom-up: a source must be the root or an earlier
	// node, so the graph cannot contain a cycle.
	quoteShaped := map[string]bool{c.Source.Name: true}
	seen := map[string]bool{c.Source.Name: true}
	for i, n := range c.Nodes {
		where := fmt.Sprintf("nodes[%d] (%s)", i, n.Name)
		if seen[n.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate name", where))
		}
		src := n.SourceName(c.Source.Name)
		switch {
		case !seen[src]:
			errs = append(errs, fmt.Sprintf("%s: source %q is not the root or an earlier node", where, src))
		case quoteInputs[n.Type] && !quoteShaped[src]:
			errs = append(errs, fmt.Sprintf("%s: %s needs quotes but %q produces single values", where, n.Type, src))
		}
		if n.Type == "bars" && n.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("%s: bars needs a positive interval", where))
		}
		seen[n.Name] = true
		quoteShaped[n.Name] = n.Type == "bars"
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", series.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// SourceName returns the node's provider, the root when unset.
func (n NodeConfig) SourceName(root string) string {
	if n.Source == "" {
		return root
	}
	return n.Source
}

// Int returns an integer parameter or def when absent.
func (n NodeConfig) Int(key string, def int) int {
	if v, ok := n.Params[key]; ok {
		return int(v)
	}
	return def
}

// Float returns a parameter or def when absent.
func (n NodeConfig) Float(key string, def float64) float64 {
	if v, ok := n.Params[key]; ok {
		return v
	}
	return def
}

// Policy returns the parsed duplicate policy.
func (c *Config) Policy() cache.Policy {
	p, _ := cache.ParsePolicy(c.Source.DuplicatePolicy)
	return p
}

// Timeout returns the replay timeout, zero meaning none.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Replay.TimeoutSec) * time.Second
}
