package probe

import (
	"fmt"
	"strings"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/widget"
)

// pageSample is the state the sampling script reads out of a live page.
type pageSample struct {
	Containers []containerSample `json:"containers"`
	// StrayBox/StrayButton report un-suffixed descendant ids surviving
	// activation, which rehydration must never leave behind.
	StrayBox    bool `json:"strayBox"`
	StrayButton bool `json:"strayButton"`
}

type containerSample struct {
	ContainerID    string   `json:"containerId"`
	HasBox         bool     `json:"hasBox"`
	HasButton      bool     `json:"hasButton"`
	BoxClasses     []string `json:"boxClasses"`
	ButtonDisabled bool     `json:"buttonDisabled"`
	ButtonType     string   `json:"buttonType"`
}

func (c containerSample) hasClass(class string) bool {
	for _, cl := range c.BoxClasses {
		if cl == class {
			return true
		}
	}
	return false
}

// staticChecks validates the freshly loaded page: containers exist, every
// ordinal resolves to a renamed box/button pair, and each box starts in
// its disabled state with a clickable button.
func staticChecks(sample pageSample, opts widget.Options) []schemas.ProbeCheck {
	checks := make([]schemas.ProbeCheck, 0, 3)

	count := schemas.ProbeCheck{
		Name:   schemas.CheckContainerCount,
		Passed: len(sample.Containers) > 0,
		Detail: fmt.Sprintf("found %d containers", len(sample.Containers)),
	}
	checks = append(checks, count)

	suffixes := schemas.ProbeCheck{Name: schemas.CheckOrdinalSuffixes, Passed: true}
	var missing []string
	for i, c := range sample.Containers {
		if !c.HasBox || !c.HasButton {
			missing = append(missing, fmt.Sprintf("ordinal %d (%s)", i, c.ContainerID))
		}
	}
	if len(missing) > 0 {
		suffixes.Passed = false
		suffixes.Detail = "missing renamed descendants: " + strings.Join(missing, ", ")
	}
	if sample.StrayBox || sample.StrayButton {
		suffixes.Passed = false
		if suffixes.Detail != "" {
			suffixes.Detail += "; "
		}
		suffixes.Detail += "un-renamed descendant ids survived activation"
	}
	checks = append(checks, suffixes)

	disabled := schemas.ProbeCheck{Name: schemas.CheckInitialDisabled, Passed: true}
	var wrong []string
	for i, c := range sample.Containers {
		if !c.HasBox || !c.HasButton {
			continue
		}
		switch {
		case !c.hasClass(opts.DisabledClass):
			wrong = append(wrong, fmt.Sprintf("box %d lacks %s", i, opts.DisabledClass))
		case c.hasClass(opts.EnabledClass):
			wrong = append(wrong, fmt.Sprintf("box %d already carries %s", i, opts.EnabledClass))
		case c.ButtonDisabled:
			wrong = append(wrong, fmt.Sprintf("button %d starts disabled", i))
		}
	}
	if len(wrong) > 0 {
		disabled.Passed = false
		disabled.Detail = strings.Join(wrong, ", ")
	}
	checks = append(checks, disabled)

	return checks
}

// clickChecks validates the synchronous effects of clicking ordinal
// clicked: its box flips to enabled, its button is cooling down as a
// submit control, and every other container is untouched.
func clickChecks(before, after pageSample, clicked int, opts widget.Options) []schemas.ProbeCheck {
	enables := schemas.ProbeCheck{Name: schemas.CheckClickEnablesBox}
	if clicked >= len(after.Containers) {
		enables.Detail = fmt.Sprintf("ordinal %d out of range", clicked)
	} else {
		c := after.Containers[clicked]
		switch {
		case !c.hasClass(opts.EnabledClass):
			enables.Detail = fmt.Sprintf("box kept %s", opts.DisabledClass)
		case c.hasClass(opts.DisabledClass):
			enables.Detail = "box carries both state classes"
		case !c.ButtonDisabled:
			enables.Detail = "button was not disabled by the click"
		case c.ButtonType != "submit":
			enables.Detail = fmt.Sprintf("button type is %q, want submit", c.ButtonType)
		default:
			enables.Passed = true
		}
	}

	isolation := schemas.ProbeCheck{Name: schemas.CheckClickIsolation, Passed: true}
	var touched []string
	for i := range after.Containers {
		if i == clicked || i >= len(before.Containers) {
			continue
		}
		b, a := before.Containers[i], after.Containers[i]
		if a.ButtonDisabled != b.ButtonDisabled ||
			a.hasClass(opts.EnabledClass) != b.hasClass(opts.EnabledClass) ||
			a.hasClass(opts.DisabledClass) != b.hasClass(opts.DisabledClass) {
			touched = append(touched, fmt.Sprintf("%d", i))
		}
	}
	if len(touched) > 0 {
		isolation.Passed = false
		isolation.Detail = "containers changed by foreign click: " + strings.Join(touched, ", ")
	}

	return []schemas.ProbeCheck{enables, isolation}
}

// cooldownCheck validates the state after the cooldown window has passed:
// the button is clickable again while the box stays enabled.
func cooldownCheck(final pageSample, clicked int, opts widget.Options) schemas.ProbeCheck {
	check := schemas.ProbeCheck{Name: schemas.CheckCooldownExpiry}
	if clicked >= len(final.Containers) {
		check.Detail = fmt.Sprintf("ordinal %d out of range", clicked)
		return check
	}
	c := final.Containers[clicked]
	switch {
	case c.ButtonDisabled:
		check.Detail = "button still disabled after cooldown"
	case !c.hasClass(opts.EnabledClass):
		check.Detail = "box lost its enabled state"
	default:
		check.Passed = true
	}
	return check
}
