package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Spot-check each section so a broken default registration is caught.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "capgate", cfg.Logger.ServiceName)
	assert.Equal(t, "recaptcha-area", cfg.Widget.Marker)
	assert.Equal(t, "recaptcha-box", cfg.Widget.BoxID)
	assert.Equal(t, "recaptcha-button", cfg.Widget.ButtonID)
	assert.Equal(t, "disabled-state", cfg.Widget.DisabledClass)
	assert.Equal(t, "enabled-state", cfg.Widget.EnabledClass)
	assert.Equal(t, time.Second, cfg.Widget.Cooldown)
	assert.Equal(t, ":8632", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Server.DemoWidgets)
	assert.Equal(t, "https://www.google.com/recaptcha/api/siteverify", cfg.Verifier.Endpoint)
	assert.False(t, cfg.Store.Enabled())
	assert.True(t, cfg.Probe.Headless)
	assert.Equal(t, ":8633", cfg.Proxy.Addr)
	assert.Equal(t, 10, cfg.Simulate.Sessions)
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
}

func TestWidgetValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*WidgetConfig)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*WidgetConfig) {},
		},
		{
			name:    "empty marker",
			mutate:  func(w *WidgetConfig) { w.Marker = "" },
			wantErr: "required",
		},
		{
			name:    "box and button collide",
			mutate:  func(w *WidgetConfig) { w.ButtonID = w.BoxID },
			wantErr: "must differ",
		},
		{
			name:    "identical state classes",
			mutate:  func(w *WidgetConfig) { w.EnabledClass = w.DisabledClass },
			wantErr: "distinct",
		},
		{
			name:    "zero cooldown",
			mutate:  func(w *WidgetConfig) { w.Cooldown = 0 },
			wantErr: "positive duration",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewDefaultConfig().Widget
			tc.mutate(&w)
			err := w.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Verifier.RequestsPerSecond = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifier.requests_per_second")

	bad = *cfg
	bad.Server.DemoWidgets = bad.Server.MaxDemoWidgets + 1
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.demo_widgets")

	bad = *cfg
	bad.Probe.Concurrency = -2
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe.concurrency")
}

func TestNewConfigFromViperYAML(t *testing.T) {
	yaml := []byte(`
logger:
  level: debug
  format: json
widget:
  marker: captcha-zone
  cooldown: 250ms
server:
  demo_widgets: 5
verifier:
  requests_per_second: 3.5
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(yaml)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "captcha-zone", cfg.Widget.Marker)
	assert.Equal(t, 250*time.Millisecond, cfg.Widget.Cooldown)
	assert.Equal(t, 5, cfg.Server.DemoWidgets)
	assert.InDelta(t, 3.5, cfg.Verifier.RequestsPerSecond, 1e-9)
	// Untouched keys keep their defaults.
	assert.Equal(t, "recaptcha-box", cfg.Widget.BoxID)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("widget.cooldown", "0s")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widget configuration invalid")
}

func TestVerifierSecretFromEnv(t *testing.T) {
	t.Setenv("CAPGATE_VERIFIER_SECRET", "test-shared-secret")

	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "test-shared-secret", cfg.Verifier.Secret)
}
