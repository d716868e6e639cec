// Package report serializes activation reports and probe results for
// files, stdout, and CI consumers.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/beevik/etree"
	jsoniter "github.com/json-iterator/go"

	"github.com/tbleier/capgate/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format names accepted by Open and the CLI flags.
const (
	FormatJSON  = "json"
	FormatJUnit = "junit"
)

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error { return nil }

// Open resolves an output path to a writer. Empty or "stdout" mean
// standard output, which must not be closed by the caller.
func Open(outputPath string) (io.WriteCloser, error) {
	if outputPath == "" || outputPath == "stdout" {
		return &nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return f, nil
}

// WriteActivationJSON writes activation reports as an indented JSON array.
func WriteActivationJSON(w io.Writer, reports []schemas.ActivationReport) error {
	return writeJSON(w, reports)
}

// WriteProbeJSON writes probe results as an indented JSON array.
func WriteProbeJSON(w io.Writer, results []schemas.ProbeResult) error {
	return writeJSON(w, results)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

// WriteActivationJUnit renders activation reports as a JUnit XML document:
// one testsuite per report, one testcase per container, failed containers
// carrying a <failure> element with the diagnostic. CI systems ingest this
// without knowing anything about widgets.
func WriteActivationJUnit(w io.Writer, reports []schemas.ActivationReport) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suites.CreateAttr("name", "capgate-activation")

	var totalTests, totalFailures int
	for _, r := range reports {
		suite := suites.CreateElement("testsuite")
		name := r.PageURL
		if name == "" {
			name = r.RunID
		}
		suite.CreateAttr("name", name)
		_, failed := r.Counts()
		suite.CreateAttr("tests", fmt.Sprintf("%d", len(r.Containers)))
		suite.CreateAttr("failures", fmt.Sprintf("%d", failed))
		suite.CreateAttr("time", junitSeconds(r.Duration))
		if !r.StartedAt.IsZero() {
			suite.CreateAttr("timestamp", r.StartedAt.UTC().Format(time.RFC3339))
		}
		totalTests += len(r.Containers)
		totalFailures += failed

		for _, c := range r.Containers {
			tc := suite.CreateElement("testcase")
			tc.CreateAttr("name", fmt.Sprintf("container-%d", c.Ordinal))
			tc.CreateAttr("classname", c.ContainerID)
			if c.Failed() {
				failure := tc.CreateElement("failure")
				failure.CreateAttr("type", string(c.Diagnostic))
				failure.CreateAttr("message", c.Detail)
			}
		}
	}

	suites.CreateAttr("tests", fmt.Sprintf("%d", totalTests))
	suites.CreateAttr("failures", fmt.Sprintf("%d", totalFailures))

	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write JUnit report: %w", err)
	}
	return nil
}

// WriteProbeJUnit renders probe results as JUnit XML: one testsuite per
// probed URL, one testcase per check.
func WriteProbeJUnit(w io.Writer, results []schemas.ProbeResult) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suites.CreateAttr("name", "capgate-probe")

	var totalTests, totalFailures, totalErrors int
	for _, r := range results {
		suite := suites.CreateElement("testsuite")
		suite.CreateAttr("name", r.URL)
		suite.CreateAttr("tests", fmt.Sprintf("%d", len(r.Checks)))
		suite.CreateAttr("failures", fmt.Sprintf("%d", len(r.Failures())))
		suite.CreateAttr("time", junitSeconds(r.Elapsed))
		totalTests += len(r.Checks)
		totalFailures += len(r.Failures())

		if r.Err != "" {
			suite.CreateAttr("errors", "1")
			totalErrors++
			errCase := suite.CreateElement("testcase")
			errCase.CreateAttr("name", "probe")
			errCase.CreateAttr("classname", r.URL)
			errEl := errCase.CreateElement("error")
			errEl.CreateAttr("message", r.Err)
		}

		for _, c := range r.Checks {
			tc := suite.CreateElement("testcase")
			tc.CreateAttr("name", string(c.Name))
			tc.CreateAttr("classname", r.URL)
			if !c.Passed {
				failure := tc.CreateElement("failure")
				failure.CreateAttr("message", c.Detail)
			}
		}
	}

	suites.CreateAttr("tests", fmt.Sprintf("%d", totalTests))
	suites.CreateAttr("failures", fmt.Sprintf("%d", totalFailures))
	suites.CreateAttr("errors", fmt.Sprintf("%d", totalErrors))

	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write JUnit report: %w", err)
	}
	return nil
}

func junitSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
