package server

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
	"github.com/tbleier/capgate/internal/widget"
)

//go:embed demo.html.tmpl
var demoTemplateSrc string

var demoTemplate = template.Must(template.New("demo").Parse(demoTemplateSrc))

type demoWidget struct {
	ContainerID string
}

type demoData struct {
	BoxID         string
	ButtonID      string
	DisabledClass string
	EnabledClass  string
	Widgets       []demoWidget
}

// renderDemo produces the newsletter page with n duplicated widget blocks
// and runs the activation pass over it before serving, exactly as the
// proxy does for foreign pages.
func (s *Server) renderDemo(n int) (string, schemas.ActivationReport, error) {
	data := demoData{
		BoxID:         s.opts.BoxID,
		ButtonID:      s.opts.ButtonID,
		DisabledClass: s.opts.DisabledClass,
		EnabledClass:  s.opts.EnabledClass,
		Widgets:       make([]demoWidget, n),
	}
	for i := range data.Widgets {
		data.Widgets[i] = demoWidget{
			ContainerID: fmt.Sprintf("%s-%d", s.opts.Marker, i),
		}
	}

	var buf bytes.Buffer
	if err := demoTemplate.Execute(&buf, data); err != nil {
		return "", schemas.ActivationReport{}, fmt.Errorf("template execution failed: %w", err)
	}

	doc, err := dom.Parse(&buf)
	if err != nil {
		return "", schemas.ActivationReport{}, fmt.Errorf("failed to parse demo page: %w", err)
	}

	activator := widget.NewActivator(s.opts, s.logger)
	report, err := activator.Activate(doc)
	if err != nil {
		return "", report, fmt.Errorf("activation failed: %w", err)
	}

	rendered, err := dom.Render(doc)
	if err != nil {
		return "", report, fmt.Errorf("failed to render demo page: %w", err)
	}
	return rendered, report, nil
}
