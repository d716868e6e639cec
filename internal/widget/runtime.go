package widget

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
)

// Runtime owns an activated document: it dispatches button clicks, runs the
// cooldown windows, and serializes every mutation of the shared tree. It
// models exactly what the canonical browser script does after page load.
type Runtime struct {
	opts Options
	log  *zap.Logger

	mu         sync.RWMutex
	doc        *html.Node
	containers map[int]*containerEntry
	report     schemas.ActivationReport
	closed     bool

	sched     *Scheduler
	closeOnce sync.Once
}

type containerEntry struct {
	node    *html.Node
	outcome schemas.ContainerOutcome
	removed bool
}

// WidgetState is a point-in-time view of one container's two state
// machines: the box (disabled/enabled class) and the button
// (ready/cooling-down).
type WidgetState struct {
	Ordinal       int
	BoxID         string
	ButtonID      string
	BoxEnabled    bool
	ButtonCooling bool
	ButtonType    string
}

// NewRuntime activates the document and returns a runtime wired to it.
// The activation report is available via Report. A nil logger is replaced
// with a nop.
func NewRuntime(doc *html.Node, opts Options, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	activator := NewActivator(opts, logger)
	report, err := activator.Activate(doc)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		opts:       activator.Options(),
		log:        logger.Named("widget_runtime"),
		doc:        doc,
		containers: make(map[int]*containerEntry, len(report.Containers)),
		report:     report,
		sched:      NewScheduler(logger),
	}

	// Container ids are untouched by activation, so re-querying yields the
	// same nodes in the same order. Pairing by index instead of by id keeps
	// the mapping correct even when containers share a duplicated id.
	expr := fmt.Sprintf("//*[contains(@id, %s)]", dom.XPathLiteral(rt.opts.Marker))
	nodes, err := dom.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("container query failed: %w", err)
	}
	for _, outcome := range report.Containers {
		entry := &containerEntry{outcome: outcome}
		if outcome.Ordinal < len(nodes) {
			entry.node = nodes[outcome.Ordinal]
		}
		rt.containers[outcome.Ordinal] = entry
	}
	return rt, nil
}

// Report returns the activation report for the runtime's document.
func (r *Runtime) Report() schemas.ActivationReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// Options returns the normalized contract the runtime runs with.
func (r *Runtime) Options() Options { return r.opts }

// DispatchClick performs the click handler's contract for the button
// carrying the given (post-rename) id: resolve the box sharing the suffix,
// set the button to a disabled submit control, flip the box to its enabled
// state, and schedule re-enabling the button after the cooldown.
//
// A click on a cooling-down button returns ErrCoolingDown with no side
// effects, mirroring how the disabled attribute suppresses clicks in a
// browser. A missing box returns ErrBoxMissing, also with no side effects.
func (r *Runtime) DispatchClick(buttonID string) (schemas.ClickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return schemas.ClickResult{}, ErrClosed
	}

	ordinal, err := r.parseOrdinal(buttonID)
	if err != nil {
		return schemas.ClickResult{}, err
	}

	button := dom.ElementByID(r.doc, buttonID)
	if button == nil {
		return schemas.ClickResult{}, fmt.Errorf("%w: no element with id %q", ErrUnknownButton, buttonID)
	}
	if dom.HasAttr(button, "disabled") {
		return schemas.ClickResult{}, fmt.Errorf("%w: %q", ErrCoolingDown, buttonID)
	}

	boxID := fmt.Sprintf("%s-%d", r.opts.BoxID, ordinal)
	box := dom.ElementByID(r.doc, boxID)
	if box == nil {
		return schemas.ClickResult{}, fmt.Errorf("%w: no element with id %q", ErrBoxMissing, boxID)
	}

	dom.SetAttr(button, "type", "submit")
	dom.SetAttr(button, "disabled", "disabled")
	dom.SwapClass(box, r.opts.DisabledClass, r.opts.EnabledClass)

	now := time.Now()
	if err := r.sched.Schedule(ordinal, r.opts.Cooldown, func() {
		r.reenable(buttonID, ordinal)
	}); err != nil {
		return schemas.ClickResult{}, err
	}

	r.log.Debug("Click dispatched.",
		zap.Int("ordinal", ordinal),
		zap.String("button_id", buttonID),
		zap.Duration("cooldown", r.opts.Cooldown))

	return schemas.ClickResult{
		Ordinal:       ordinal,
		ButtonID:      buttonID,
		BoxID:         boxID,
		ClickedAt:     now,
		CooldownUntil: now.Add(r.opts.Cooldown),
	}, nil
}

// reenable lifts the disabled attribute once the cooldown expires. The
// button is resolved again at expiry; if the container was removed in the
// meantime the task has been cancelled and this never runs.
func (r *Runtime) reenable(buttonID string, ordinal int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	button := dom.ElementByID(r.doc, buttonID)
	if button == nil {
		r.log.Warn("Cooldown expired for a button no longer in the document.",
			zap.String("button_id", buttonID))
		return
	}
	dom.RemoveAttr(button, "disabled")
	r.log.Debug("Button re-enabled.", zap.Int("ordinal", ordinal), zap.String("button_id", buttonID))
}

// RemoveContainer detaches the container's subtree and cancels its pending
// cooldown so no timer acts on the stale reference.
func (r *Runtime) RemoveContainer(ordinal int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	entry, ok := r.containers[ordinal]
	if !ok || entry.removed {
		return fmt.Errorf("%w: ordinal %d", ErrUnknownContainer, ordinal)
	}

	r.sched.Cancel(ordinal)
	if entry.node != nil {
		dom.Detach(entry.node)
	}
	entry.removed = true

	r.log.Info("Container removed.", zap.Int("ordinal", ordinal), zap.String("container_id", entry.outcome.ContainerID))
	return nil
}

// State reports the current box/button state for a container.
func (r *Runtime) State(ordinal int) (WidgetState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.containers[ordinal]
	if !ok {
		return WidgetState{}, fmt.Errorf("%w: ordinal %d", ErrUnknownContainer, ordinal)
	}
	if entry.removed || entry.outcome.Failed() {
		return WidgetState{}, fmt.Errorf("%w: ordinal %d was not activated", ErrUnknownContainer, ordinal)
	}

	state := WidgetState{
		Ordinal:  ordinal,
		BoxID:    entry.outcome.BoxID,
		ButtonID: entry.outcome.ButtonID,
	}
	if box := dom.ElementByID(r.doc, entry.outcome.BoxID); box != nil {
		state.BoxEnabled = dom.HasClass(box, r.opts.EnabledClass)
	}
	if button := dom.ElementByID(r.doc, entry.outcome.ButtonID); button != nil {
		state.ButtonCooling = dom.HasAttr(button, "disabled")
		state.ButtonType, _ = dom.Attr(button, "type")
	}
	return state, nil
}

// PendingCooldowns returns how many buttons are waiting to be re-enabled.
func (r *Runtime) PendingCooldowns() int {
	return r.sched.Pending()
}

// Snapshot renders the document in its current state.
func (r *Runtime) Snapshot() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return dom.Render(r.doc)
}

// Close cancels every pending cooldown and waits for in-flight callbacks.
// The runtime rejects further dispatches afterwards.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.sched.Close()
		r.log.Debug("Widget runtime closed.")
	})
}

// parseOrdinal extracts the trailing ordinal from a renamed button id and
// checks the prefix matches the contract.
func (r *Runtime) parseOrdinal(buttonID string) (int, error) {
	cut := strings.LastIndex(buttonID, "-")
	if cut < 0 || cut == len(buttonID)-1 {
		return 0, fmt.Errorf("%w: id %q carries no ordinal suffix", ErrUnknownButton, buttonID)
	}
	if buttonID[:cut] != r.opts.ButtonID {
		return 0, fmt.Errorf("%w: id %q does not match button prefix %q", ErrUnknownButton, buttonID, r.opts.ButtonID)
	}
	ordinal, err := strconv.Atoi(buttonID[cut+1:])
	if err != nil || ordinal < 0 {
		return 0, fmt.Errorf("%w: id %q carries a malformed ordinal", ErrUnknownButton, buttonID)
	}
	return ordinal, nil
}
