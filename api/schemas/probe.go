package schemas

import "time"

// ProbeCheckName identifies one assertion the live-page probe performs.
type ProbeCheckName string

const (
	CheckContainerCount  ProbeCheckName = "container_count"
	CheckOrdinalSuffixes ProbeCheckName = "ordinal_suffixes"
	CheckInitialDisabled ProbeCheckName = "initial_disabled"
	CheckClickEnablesBox ProbeCheckName = "click_enables_box"
	CheckClickIsolation  ProbeCheckName = "click_isolation"
	CheckCooldownExpiry  ProbeCheckName = "cooldown_expiry"
)

// ProbeCheck is a single pass/fail assertion with an optional detail message.
type ProbeCheck struct {
	Name   ProbeCheckName `json:"name"`
	Passed bool           `json:"passed"`
	Detail string         `json:"detail,omitempty"`
}

// ProbeResult aggregates the checks run against one live page.
type ProbeResult struct {
	URL        string        `json:"url"`
	Containers int           `json:"containers"`
	Clicked    int           `json:"clicked_ordinal"`
	Checks     []ProbeCheck  `json:"checks"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Err        string        `json:"error,omitempty"`
}

// Passed reports whether every check on the page succeeded and no
// transport-level error occurred.
func (p ProbeResult) Passed() bool {
	if p.Err != "" {
		return false
	}
	for _, c := range p.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures returns the names of the checks that did not pass.
func (p ProbeResult) Failures() []ProbeCheckName {
	var out []ProbeCheckName
	for _, c := range p.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}
