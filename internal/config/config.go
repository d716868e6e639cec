// Package config defines the application configuration, its defaults, and
// validation. Values are loaded through viper so files, flags, and
// CAPGATE_* environment variables all feed the same tree.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Widget   WidgetConfig   `mapstructure:"widget" yaml:"widget"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Verifier VerifierConfig `mapstructure:"verifier" yaml:"verifier"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Probe    ProbeConfig    `mapstructure:"probe" yaml:"probe"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	Simulate SimulateConfig `mapstructure:"simulate" yaml:"simulate"`

	// Activate holds per-invocation settings populated from CLI flags,
	// not from the config file.
	Activate ActivateConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// WidgetConfig describes the markup contract the activator operates on. The
// defaults match the reCAPTCHA markup the original site shipped; all of it
// is overridable for pages using different ids or class names.
type WidgetConfig struct {
	// Marker is the id fragment identifying a widget container.
	Marker string `mapstructure:"marker" yaml:"marker"`
	// BoxID and ButtonID are the pre-rename local ids of the descendants.
	BoxID    string `mapstructure:"box_id" yaml:"box_id"`
	ButtonID string `mapstructure:"button_id" yaml:"button_id"`
	// DisabledClass and EnabledClass are the two mutually exclusive box states.
	DisabledClass string `mapstructure:"disabled_class" yaml:"disabled_class"`
	EnabledClass  string `mapstructure:"enabled_class" yaml:"enabled_class"`
	// Cooldown is how long a button stays disabled after a click.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// ServerConfig tunes the demo/subscribe HTTP service.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DemoWidgets     int           `mapstructure:"demo_widgets" yaml:"demo_widgets"`
	MaxDemoWidgets  int           `mapstructure:"max_demo_widgets" yaml:"max_demo_widgets"`
	SubscribeRPS    float64       `mapstructure:"subscribe_rps" yaml:"subscribe_rps"`
	SubscribeBurst  int           `mapstructure:"subscribe_burst" yaml:"subscribe_burst"`
	// ConfirmSecret signs subscription confirmation tokens (HS256).
	ConfirmSecret string        `mapstructure:"confirm_secret" yaml:"confirm_secret"`
	ConfirmTTL    time.Duration `mapstructure:"confirm_ttl" yaml:"confirm_ttl"`
}

// VerifierConfig configures the CAPTCHA provider's siteverify client.
type VerifierConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Secret is the server-side shared secret. Should come from
	// CAPGATE_VERIFIER_SECRET rather than a file on disk.
	Secret            string        `mapstructure:"secret" yaml:"secret"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxElapsedTime    time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// StoreConfig holds the database connection details. An empty URL disables
// persistence; subscribe and audit writes then become no-ops.
type StoreConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Enabled reports whether a database is configured.
func (s StoreConfig) Enabled() bool { return s.URL != "" }

// ProbeConfig tunes the live-browser probe.
type ProbeConfig struct {
	Headless    bool          `mapstructure:"headless" yaml:"headless"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	// CooldownSlack is added to the widget cooldown before asserting that a
	// clicked button was re-enabled.
	CooldownSlack time.Duration `mapstructure:"cooldown_slack" yaml:"cooldown_slack"`
	BrowserArgs   []string      `mapstructure:"browser_args" yaml:"browser_args"`
}

// ProxyConfig tunes the HTML-injecting forward proxy.
type ProxyConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// InjectScript adds the canonical browser script to rewritten pages so
	// click wiring happens client side as well.
	InjectScript bool `mapstructure:"inject_script" yaml:"inject_script"`
}

// SimulateConfig tunes the load-simulation command.
type SimulateConfig struct {
	Sessions    int `mapstructure:"sessions" yaml:"sessions"`
	Clicks      int `mapstructure:"clicks" yaml:"clicks"`
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// ActivateConfig is populated from `capgate activate` flags.
type ActivateConfig struct {
	Inputs       []string
	Output       string
	Format       string
	Clicks       []int
	WaitCooldown bool
	Record       bool
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers a default for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "capgate")
	v.SetDefault("logger.log_file", "capgate.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Widget --
	v.SetDefault("widget.marker", "recaptcha-area")
	v.SetDefault("widget.box_id", "recaptcha-box")
	v.SetDefault("widget.button_id", "recaptcha-button")
	v.SetDefault("widget.disabled_class", "disabled-state")
	v.SetDefault("widget.enabled_class", "enabled-state")
	v.SetDefault("widget.cooldown", "1s")

	// -- Server --
	v.SetDefault("server.addr", ":8632")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.demo_widgets", 3)
	v.SetDefault("server.max_demo_widgets", 25)
	v.SetDefault("server.subscribe_rps", 2.0)
	v.SetDefault("server.subscribe_burst", 5)
	v.SetDefault("server.confirm_ttl", "48h")

	// -- Verifier --
	v.SetDefault("verifier.endpoint", "https://www.google.com/recaptcha/api/siteverify")
	v.SetDefault("verifier.timeout", "10s")
	v.SetDefault("verifier.max_elapsed_time", "30s")
	v.SetDefault("verifier.requests_per_second", 10.0)
	v.SetDefault("verifier.burst", 5)

	// -- Store --
	v.SetDefault("store.url", "")

	// -- Probe --
	v.SetDefault("probe.headless", true)
	v.SetDefault("probe.timeout", "45s")
	v.SetDefault("probe.concurrency", 3)
	v.SetDefault("probe.cooldown_slack", "500ms")

	// -- Proxy --
	v.SetDefault("proxy.addr", ":8633")
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.idle_timeout", "120s")
	v.SetDefault("proxy.inject_script", true)

	// -- Simulate --
	v.SetDefault("simulate.sessions", 10)
	v.SetDefault("simulate.clicks", 1)
	v.SetDefault("simulate.concurrency", 4)
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Secrets are expected from the environment, never from flags.
	v.BindEnv("verifier.secret", "CAPGATE_VERIFIER_SECRET")
	v.BindEnv("server.confirm_secret", "CAPGATE_CONFIRM_SECRET")
	v.BindEnv("store.url", "CAPGATE_STORE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Widget.Validate(); err != nil {
		return fmt.Errorf("widget configuration invalid: %w", err)
	}
	if c.Server.DemoWidgets < 0 || c.Server.DemoWidgets > c.Server.MaxDemoWidgets {
		return fmt.Errorf("server.demo_widgets must be between 0 and %d", c.Server.MaxDemoWidgets)
	}
	if c.Verifier.RequestsPerSecond <= 0 {
		return fmt.Errorf("verifier.requests_per_second must be positive")
	}
	if c.Probe.Concurrency <= 0 {
		return fmt.Errorf("probe.concurrency must be a positive integer")
	}
	if c.Simulate.Sessions <= 0 || c.Simulate.Concurrency <= 0 {
		return fmt.Errorf("simulate.sessions and simulate.concurrency must be positive integers")
	}
	return nil
}

// Validate checks the widget markup contract for internal consistency.
func (w *WidgetConfig) Validate() error {
	if w.Marker == "" || w.BoxID == "" || w.ButtonID == "" {
		return fmt.Errorf("widget.marker, widget.box_id, and widget.button_id are required")
	}
	if w.BoxID == w.ButtonID {
		return fmt.Errorf("widget.box_id and widget.button_id must differ")
	}
	if w.DisabledClass == "" || w.EnabledClass == "" || w.DisabledClass == w.EnabledClass {
		return fmt.Errorf("widget.disabled_class and widget.enabled_class must be distinct and non-empty")
	}
	if w.Cooldown <= 0 {
		return fmt.Errorf("widget.cooldown must be a positive duration")
	}
	return nil
}
