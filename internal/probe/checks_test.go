package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/widget"
)

func configWithMarker(t *testing.T, marker string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Widget.Marker = marker
	return cfg
}

func activatedSample(n int) pageSample {
	s := pageSample{Containers: make([]containerSample, n)}
	for i := range s.Containers {
		s.Containers[i] = containerSample{
			ContainerID: "recaptcha-area-0",
			HasBox:      true,
			HasButton:   true,
			BoxClasses:  []string{"captcha-box", "disabled-state"},
		}
	}
	return s
}

func clickedSample(n, clicked int) pageSample {
	s := activatedSample(n)
	s.Containers[clicked].BoxClasses = []string{"captcha-box", "enabled-state"}
	s.Containers[clicked].ButtonDisabled = true
	s.Containers[clicked].ButtonType = "submit"
	return s
}

func checkByName(t *testing.T, checks []schemas.ProbeCheck, name schemas.ProbeCheckName) schemas.ProbeCheck {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return schemas.ProbeCheck{}
}

func TestStaticChecksCleanPage(t *testing.T) {
	checks := staticChecks(activatedSample(3), widget.DefaultOptions())
	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.True(t, c.Passed, "check %s failed: %s", c.Name, c.Detail)
	}
}

func TestStaticChecksEmptyPage(t *testing.T) {
	checks := staticChecks(pageSample{}, widget.DefaultOptions())
	count := checkByName(t, checks, schemas.CheckContainerCount)
	assert.False(t, count.Passed)
}

func TestStaticChecksMissingDescendant(t *testing.T) {
	s := activatedSample(2)
	s.Containers[1].HasButton = false

	checks := staticChecks(s, widget.DefaultOptions())
	suffixes := checkByName(t, checks, schemas.CheckOrdinalSuffixes)
	assert.False(t, suffixes.Passed)
	assert.Contains(t, suffixes.Detail, "ordinal 1")

	// The disabled check skips broken containers instead of double-failing.
	disabled := checkByName(t, checks, schemas.CheckInitialDisabled)
	assert.True(t, disabled.Passed)
}

func TestStaticChecksStrayIDs(t *testing.T) {
	s := activatedSample(1)
	s.StrayBox = true
	checks := staticChecks(s, widget.DefaultOptions())
	suffixes := checkByName(t, checks, schemas.CheckOrdinalSuffixes)
	assert.False(t, suffixes.Passed)
	assert.Contains(t, suffixes.Detail, "un-renamed")
}

func TestStaticChecksWrongInitialState(t *testing.T) {
	s := activatedSample(1)
	s.Containers[0].BoxClasses = []string{"captcha-box", "enabled-state", "disabled-state"}
	checks := staticChecks(s, widget.DefaultOptions())
	disabled := checkByName(t, checks, schemas.CheckInitialDisabled)
	assert.False(t, disabled.Passed)
}

func TestClickChecksGoodClick(t *testing.T) {
	before := activatedSample(3)
	after := clickedSample(3, 1)

	checks := clickChecks(before, after, 1, widget.DefaultOptions())
	for _, c := range checks {
		assert.True(t, c.Passed, "check %s failed: %s", c.Name, c.Detail)
	}
}

func TestClickChecksNoEffect(t *testing.T) {
	before := activatedSample(2)
	after := activatedSample(2)

	checks := clickChecks(before, after, 0, widget.DefaultOptions())
	enables := checkByName(t, checks, schemas.CheckClickEnablesBox)
	assert.False(t, enables.Passed)
	isolation := checkByName(t, checks, schemas.CheckClickIsolation)
	assert.True(t, isolation.Passed, "no neighbor changed, isolation holds")
}

func TestClickChecksLeakToNeighbor(t *testing.T) {
	before := activatedSample(3)
	after := clickedSample(3, 0)
	// The neighbor's box flipped too, which must fail isolation.
	after.Containers[2].BoxClasses = []string{"captcha-box", "enabled-state"}

	checks := clickChecks(before, after, 0, widget.DefaultOptions())
	isolation := checkByName(t, checks, schemas.CheckClickIsolation)
	assert.False(t, isolation.Passed)
	assert.Contains(t, isolation.Detail, "2")
}

func TestClickChecksOutOfRange(t *testing.T) {
	checks := clickChecks(activatedSample(1), activatedSample(1), 5, widget.DefaultOptions())
	enables := checkByName(t, checks, schemas.CheckClickEnablesBox)
	assert.False(t, enables.Passed)
	assert.Contains(t, enables.Detail, "out of range")
}

func TestCooldownCheck(t *testing.T) {
	opts := widget.DefaultOptions()

	t.Run("re-enabled button passes", func(t *testing.T) {
		final := clickedSample(2, 0)
		final.Containers[0].ButtonDisabled = false
		check := cooldownCheck(final, 0, opts)
		assert.True(t, check.Passed, check.Detail)
	})

	t.Run("still disabled fails", func(t *testing.T) {
		final := clickedSample(2, 0)
		check := cooldownCheck(final, 0, opts)
		assert.False(t, check.Passed)
		assert.Contains(t, check.Detail, "still disabled")
	})

	t.Run("box must keep its enabled state", func(t *testing.T) {
		final := activatedSample(2)
		check := cooldownCheck(final, 0, opts)
		assert.False(t, check.Passed)
		assert.Contains(t, check.Detail, "enabled state")
	})
}

func TestSampleScriptEmbedsContract(t *testing.T) {
	cfg := configWithMarker(t, `weird-"marker"`)
	p := New(cfg, nil)

	script := p.sampleScript()
	assert.Contains(t, script, `"weird-\"marker\""`, "marker must be JS-escaped")
	assert.Contains(t, script, "strayBox")
	assert.Contains(t, script, "classList")
}
