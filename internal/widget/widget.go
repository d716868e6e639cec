// Package widget implements the CAPTCHA widget activator: a one-shot pass
// that disambiguates duplicated widget markup with ordinal id suffixes and
// marks each input box disabled, plus the runtime that handles button
// clicks and their cooldown windows afterwards.
//
// The markup contract: a page holds zero or more containers whose id
// contains Marker. Each container holds exactly one box and one button
// descendant, located by fixed local ids before renaming. Everything here
// only mutates ids, class lists, and the type/disabled attributes; nodes
// are never created and only RemoveContainer destroys them.
package widget

import (
	"errors"
	"time"

	"github.com/tbleier/capgate/internal/config"
)

// Defaults matching the markup the original site shipped.
const (
	DefaultMarker        = "recaptcha-area"
	DefaultBoxID         = "recaptcha-box"
	DefaultButtonID      = "recaptcha-button"
	DefaultDisabledClass = "disabled-state"
	DefaultEnabledClass  = "enabled-state"
	DefaultCooldown      = time.Second
)

// Options describes the markup contract an Activator operates on.
type Options struct {
	// Marker is the id fragment that identifies a widget container.
	Marker string
	// BoxID and ButtonID are the fixed local ids of the two descendants
	// before renaming.
	BoxID    string
	ButtonID string
	// DisabledClass and EnabledClass are the box's two mutually exclusive
	// display states.
	DisabledClass string
	EnabledClass  string
	// Cooldown is how long a clicked button stays disabled.
	Cooldown time.Duration
}

// DefaultOptions returns the stock reCAPTCHA contract.
func DefaultOptions() Options {
	return Options{
		Marker:        DefaultMarker,
		BoxID:         DefaultBoxID,
		ButtonID:      DefaultButtonID,
		DisabledClass: DefaultDisabledClass,
		EnabledClass:  DefaultEnabledClass,
		Cooldown:      DefaultCooldown,
	}
}

// OptionsFromConfig maps the widget configuration section onto the
// activator contract. Zero values fall back to the stock defaults.
func OptionsFromConfig(c config.WidgetConfig) Options {
	return Options{
		Marker:        c.Marker,
		BoxID:         c.BoxID,
		ButtonID:      c.ButtonID,
		DisabledClass: c.DisabledClass,
		EnabledClass:  c.EnabledClass,
		Cooldown:      c.Cooldown,
	}.normalized()
}

// normalized fills zero values with defaults so a partially populated
// Options still describes a coherent contract.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Marker == "" {
		o.Marker = d.Marker
	}
	if o.BoxID == "" {
		o.BoxID = d.BoxID
	}
	if o.ButtonID == "" {
		o.ButtonID = d.ButtonID
	}
	if o.DisabledClass == "" {
		o.DisabledClass = d.DisabledClass
	}
	if o.EnabledClass == "" {
		o.EnabledClass = d.EnabledClass
	}
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	return o
}

// Sentinel errors returned by the Runtime. Activation-time failures are
// reported as per-container diagnostics instead, since missing markup on
// one container must not abort the rest of the page.
var (
	// ErrClosed is returned after the runtime has been shut down.
	ErrClosed = errors.New("widget runtime closed")
	// ErrUnknownButton means the clicked id resolves to no activated button.
	ErrUnknownButton = errors.New("unknown widget button")
	// ErrCoolingDown means the button is inside its cooldown window.
	ErrCoolingDown = errors.New("widget button is cooling down")
	// ErrBoxMissing means the box sharing the clicked suffix is gone.
	ErrBoxMissing = errors.New("widget box missing for clicked button")
	// ErrUnknownContainer means no container holds the given ordinal.
	ErrUnknownContainer = errors.New("unknown widget container")
	// ErrSchedulerClosed is returned when scheduling after Close.
	ErrSchedulerClosed = errors.New("cooldown scheduler closed")
)
