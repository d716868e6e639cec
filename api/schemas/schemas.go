// Package schemas defines the shared data transfer types exchanged between
// the widget activator, the HTTP service, the probe, and the report writers.
package schemas

import "time"

// OutcomeState describes what happened to a single widget container during
// an activation pass.
type OutcomeState string

const (
	// OutcomeActivated means both descendants were found and rewritten.
	OutcomeActivated OutcomeState = "ACTIVATED"
	// OutcomeFailed means a structural precondition was not met and the
	// container was left untouched.
	OutcomeFailed OutcomeState = "FAILED"
)

// DiagnosticCode identifies the precondition that failed for a container.
type DiagnosticCode string

const (
	DiagnosticNone           DiagnosticCode = ""
	DiagnosticBoxNotFound    DiagnosticCode = "BOX_NOT_FOUND"
	DiagnosticButtonNotFound DiagnosticCode = "BUTTON_NOT_FOUND"
)

// ContainerOutcome is the per-container record of an activation pass.
// Ordinal is the container's 0-based position in document order; a failed
// container still consumes its ordinal so later suffixes stay stable.
type ContainerOutcome struct {
	Ordinal     int            `json:"ordinal"`
	ContainerID string         `json:"container_id"`
	BoxID       string         `json:"box_id,omitempty"`
	ButtonID    string         `json:"button_id,omitempty"`
	State       OutcomeState   `json:"state"`
	Diagnostic  DiagnosticCode `json:"diagnostic,omitempty"`
	Detail      string         `json:"detail,omitempty"`
}

// Failed reports whether the container was rejected during activation.
func (c ContainerOutcome) Failed() bool {
	return c.State == OutcomeFailed
}

// ActivationReport summarizes one activation pass over one document.
type ActivationReport struct {
	RunID      string             `json:"run_id"`
	Source     string             `json:"source,omitempty"`
	PageURL    string             `json:"page_url,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration_ns"`
	Containers []ContainerOutcome `json:"containers"`
}

// Counts returns the number of activated and failed containers.
func (r ActivationReport) Counts() (activated, failed int) {
	for _, c := range r.Containers {
		if c.Failed() {
			failed++
		} else {
			activated++
		}
	}
	return activated, failed
}

// Clean reports whether every container on the page activated.
func (r ActivationReport) Clean() bool {
	_, failed := r.Counts()
	return failed == 0
}

// ClickResult records the synchronous effects of dispatching a click to an
// activated widget button.
type ClickResult struct {
	Ordinal       int       `json:"ordinal"`
	ButtonID      string    `json:"button_id"`
	BoxID         string    `json:"box_id"`
	ClickedAt     time.Time `json:"clicked_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}
