package widget

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
)

// Activator performs the one-shot activation pass over a document.
type Activator struct {
	opts Options
	log  *zap.Logger
}

// NewActivator builds an Activator. A nil logger is replaced with a nop.
func NewActivator(opts Options, logger *zap.Logger) *Activator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activator{
		opts: opts.normalized(),
		log:  logger.Named("activator"),
	}
}

// Options returns the normalized contract the activator runs with.
func (a *Activator) Options() Options { return a.opts }

// Activate locates every container in document order and rewrites each one:
// the box gains the disabled class and both descendants get the container's
// ordinal as an id suffix. A container missing either descendant is
// reported failed with a diagnostic and left completely untouched; later
// containers still run and still consume their ordinals.
//
// The pass is one-shot: running it again finds no pre-rename local ids, so
// every container reports failed and nothing is mutated.
func (a *Activator) Activate(doc *html.Node) (schemas.ActivationReport, error) {
	report := schemas.ActivationReport{StartedAt: time.Now()}
	if doc == nil {
		return report, errors.New("nil document")
	}

	expr := fmt.Sprintf("//*[contains(@id, %s)]", dom.XPathLiteral(a.opts.Marker))
	containers, err := dom.QueryAll(doc, expr)
	if err != nil {
		return report, fmt.Errorf("container query failed: %w", err)
	}

	report.Containers = make([]schemas.ContainerOutcome, 0, len(containers))
	for i, container := range containers {
		outcome := a.activateContainer(container, i)
		if outcome.Failed() {
			a.log.Warn("Container failed activation precondition.",
				zap.Int("ordinal", i),
				zap.String("container_id", outcome.ContainerID),
				zap.String("diagnostic", string(outcome.Diagnostic)))
		} else {
			a.log.Debug("Container activated.",
				zap.Int("ordinal", i),
				zap.String("box_id", outcome.BoxID),
				zap.String("button_id", outcome.ButtonID))
		}
		report.Containers = append(report.Containers, outcome)
	}

	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

// activateContainer applies the contract to one container at ordinal i.
// Both descendants are resolved before any mutation, so a half-formed
// container never ends up half-renamed.
func (a *Activator) activateContainer(container *html.Node, i int) schemas.ContainerOutcome {
	outcome := schemas.ContainerOutcome{
		Ordinal:     i,
		ContainerID: dom.ID(container),
	}

	box := a.findDescendant(container, a.opts.BoxID)
	if box == nil {
		outcome.State = schemas.OutcomeFailed
		outcome.Diagnostic = schemas.DiagnosticBoxNotFound
		outcome.Detail = fmt.Sprintf("no descendant with id %q", a.opts.BoxID)
		return outcome
	}

	button := a.findDescendant(container, a.opts.ButtonID)
	if button == nil {
		outcome.State = schemas.OutcomeFailed
		outcome.Diagnostic = schemas.DiagnosticButtonNotFound
		outcome.Detail = fmt.Sprintf("no descendant with id %q", a.opts.ButtonID)
		return outcome
	}

	dom.AddClass(box, a.opts.DisabledClass)
	dom.SetAttr(box, "id", fmt.Sprintf("%s-%d", a.opts.BoxID, i))
	dom.SetAttr(button, "id", fmt.Sprintf("%s-%d", a.opts.ButtonID, i))

	outcome.State = schemas.OutcomeActivated
	outcome.BoxID = fmt.Sprintf("%s-%d", a.opts.BoxID, i)
	outcome.ButtonID = fmt.Sprintf("%s-%d", a.opts.ButtonID, i)
	return outcome
}

func (a *Activator) findDescendant(container *html.Node, localID string) *html.Node {
	node, err := dom.QueryOne(container, fmt.Sprintf(".//*[@id=%s]", dom.XPathLiteral(localID)))
	if err != nil {
		return nil
	}
	return node
}
