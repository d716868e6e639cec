package widget_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
	"github.com/tbleier/capgate/internal/widget"
)

// widgetBlock renders one container of the duplicated markup the activator
// is built for.
func widgetBlock(containerID string) string {
	return fmt.Sprintf(`
  <div id=%q class="captcha-widget">
    <div id="recaptcha-box" class="captcha-box"></div>
    <button id="recaptcha-button" class="captcha-submit">Verify</button>
  </div>`, containerID)
}

func pageWithContainers(n int) string {
	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html><html><head><title>demo</title></head><body><h1 id="headline">Newsletter</h1>`)
	for i := 0; i < n; i++ {
		sb.WriteString(widgetBlock(fmt.Sprintf("recaptcha-area-%d", i)))
	}
	sb.WriteString(`<footer id="footer">fin</footer></body></html>`)
	return sb.String()
}

func parsePage(t *testing.T, page string) *html.Node {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	return doc
}

func TestActivateThreeContainers(t *testing.T) {
	doc := parsePage(t, pageWithContainers(3))
	activator := widget.NewActivator(widget.DefaultOptions(), zaptest.NewLogger(t))

	report, err := activator.Activate(doc)
	require.NoError(t, err)
	require.Len(t, report.Containers, 3)

	activated, failed := report.Counts()
	assert.Equal(t, 3, activated)
	assert.Zero(t, failed)
	assert.True(t, report.Clean())

	seen := map[string]bool{}
	for i, outcome := range report.Containers {
		assert.Equal(t, i, outcome.Ordinal)
		assert.Equal(t, schemas.OutcomeActivated, outcome.State)
		assert.Equal(t, fmt.Sprintf("recaptcha-box-%d", i), outcome.BoxID)
		assert.Equal(t, fmt.Sprintf("recaptcha-button-%d", i), outcome.ButtonID)

		// Pairwise distinct ids.
		assert.False(t, seen[outcome.BoxID])
		assert.False(t, seen[outcome.ButtonID])
		seen[outcome.BoxID] = true
		seen[outcome.ButtonID] = true

		box := dom.ElementByID(doc, outcome.BoxID)
		require.NotNil(t, box)
		assert.True(t, dom.HasClass(box, "disabled-state"))
		assert.False(t, dom.HasClass(box, "enabled-state"))
		assert.True(t, dom.HasClass(box, "captcha-box"), "existing classes survive")

		require.NotNil(t, dom.ElementByID(doc, outcome.ButtonID))
	}

	// The pre-rename local ids are gone.
	assert.Nil(t, dom.ElementByID(doc, "recaptcha-box"))
	assert.Nil(t, dom.ElementByID(doc, "recaptcha-button"))
}

func TestActivateZeroContainers(t *testing.T) {
	page := `<!DOCTYPE html><html><body><p id="nothing-here">plain page</p></body></html>`
	doc := parsePage(t, page)
	before, err := dom.Render(doc)
	require.NoError(t, err)

	report, err := widget.NewActivator(widget.DefaultOptions(), nil).Activate(doc)
	require.NoError(t, err)
	assert.Empty(t, report.Containers)
	assert.True(t, report.Clean())

	after, err := dom.Render(doc)
	require.NoError(t, err)
	assert.Equal(t, before, after, "zero containers must mean zero mutation")
}

func TestActivateMissingDescendants(t *testing.T) {
	page := `<!DOCTYPE html><html><body>` +
		widgetBlock("recaptcha-area-0") +
		`<div id="recaptcha-area-1"><button id="recaptcha-button">Verify</button></div>` +
		`<div id="recaptcha-area-2"><div id="recaptcha-box"></div></div>` +
		widgetBlock("recaptcha-area-3") +
		`</body></html>`
	doc := parsePage(t, page)

	report, err := widget.NewActivator(widget.DefaultOptions(), zaptest.NewLogger(t)).Activate(doc)
	require.NoError(t, err)
	require.Len(t, report.Containers, 4)

	assert.Equal(t, schemas.OutcomeActivated, report.Containers[0].State)

	boxless := report.Containers[1]
	assert.Equal(t, schemas.OutcomeFailed, boxless.State)
	assert.Equal(t, schemas.DiagnosticBoxNotFound, boxless.Diagnostic)
	assert.Contains(t, boxless.Detail, "recaptcha-box")

	buttonless := report.Containers[2]
	assert.Equal(t, schemas.OutcomeFailed, buttonless.State)
	assert.Equal(t, schemas.DiagnosticButtonNotFound, buttonless.Diagnostic)

	// A failed container is left completely untouched: the boxless
	// container's button keeps its pre-rename id, and the buttonless
	// container's box gains neither suffix nor state class.
	area1 := dom.ElementByID(doc, "recaptcha-area-1")
	require.NotNil(t, area1)
	btn, err := dom.QueryOne(area1, ".//*[@id='recaptcha-button']")
	require.NoError(t, err)
	assert.NotNil(t, btn, "failed container must not be half-renamed")

	area2 := dom.ElementByID(doc, "recaptcha-area-2")
	require.NotNil(t, area2)
	box, err := dom.QueryOne(area2, ".//*[@id='recaptcha-box']")
	require.NoError(t, err)
	require.NotNil(t, box)
	assert.False(t, dom.HasClass(box, "disabled-state"))

	// Failed containers still consume their ordinals.
	last := report.Containers[3]
	assert.Equal(t, schemas.OutcomeActivated, last.State)
	assert.Equal(t, "recaptcha-box-3", last.BoxID)
	assert.Equal(t, "recaptcha-button-3", last.ButtonID)
	assert.NotNil(t, dom.ElementByID(doc, "recaptcha-box-3"))
}

func TestActivateIsOneShot(t *testing.T) {
	doc := parsePage(t, pageWithContainers(2))
	activator := widget.NewActivator(widget.DefaultOptions(), zaptest.NewLogger(t))

	first, err := activator.Activate(doc)
	require.NoError(t, err)
	assert.True(t, first.Clean())

	snapshot, err := dom.Render(doc)
	require.NoError(t, err)

	second, err := activator.Activate(doc)
	require.NoError(t, err)
	require.Len(t, second.Containers, 2)
	for _, outcome := range second.Containers {
		assert.Equal(t, schemas.OutcomeFailed, outcome.State)
		assert.Equal(t, schemas.DiagnosticBoxNotFound, outcome.Diagnostic)
	}

	after, err := dom.Render(doc)
	require.NoError(t, err)
	assert.Equal(t, snapshot, after, "a second pass must not mutate anything")
}

func TestActivateCustomContract(t *testing.T) {
	page := `<!DOCTYPE html><html><body>
  <section id="captcha-zone-main">
    <div id="cz-box"></div>
    <a id="cz-go" href="#">go</a>
  </section>
</body></html>`
	doc := parsePage(t, page)

	opts := widget.Options{
		Marker:        "captcha-zone",
		BoxID:         "cz-box",
		ButtonID:      "cz-go",
		DisabledClass: "locked",
		EnabledClass:  "unlocked",
	}
	report, err := widget.NewActivator(opts, nil).Activate(doc)
	require.NoError(t, err)
	require.Len(t, report.Containers, 1)
	assert.Equal(t, "cz-box-0", report.Containers[0].BoxID)

	box := dom.ElementByID(doc, "cz-box-0")
	require.NotNil(t, box)
	assert.True(t, dom.HasClass(box, "locked"))
}

func TestActivateNestedAndInterleavedContainers(t *testing.T) {
	// Document order decides ordinals no matter how deep a container sits.
	page := `<!DOCTYPE html><html><body>
  <div><div>` + widgetBlock("recaptcha-area-x") + `</div></div>
  <table><tbody><tr><td>` + widgetBlock("recaptcha-area-y") + `</td></tr></tbody></table>
</body></html>`
	doc := parsePage(t, page)

	report, err := widget.NewActivator(widget.DefaultOptions(), nil).Activate(doc)
	require.NoError(t, err)
	require.Len(t, report.Containers, 2)
	assert.Equal(t, "recaptcha-area-x", report.Containers[0].ContainerID)
	assert.Equal(t, "recaptcha-area-y", report.Containers[1].ContainerID)
}

func TestActivateNilDocument(t *testing.T) {
	_, err := widget.NewActivator(widget.DefaultOptions(), nil).Activate(nil)
	assert.Error(t, err)
}
