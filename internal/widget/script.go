package widget

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// activatorScript is the canonical browser-side implementation of the
// activation contract. The scriptenv conformance tests hold it to the same
// behavior as the Go activator.
//
//go:embed activator.js
var activatorScript string

// Script returns the canonical browser script.
func Script() string { return activatorScript }

// ScriptWithOptions prefixes the script with a CAPGATE_OPTIONS assignment
// so non-default contracts carry over to the browser side.
func ScriptWithOptions(opts Options) (string, error) {
	opts = opts.normalized()
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(map[string]interface{}{
		"marker":        opts.Marker,
		"boxId":         opts.BoxID,
		"buttonId":      opts.ButtonID,
		"disabledClass": opts.DisabledClass,
		"enabledClass":  opts.EnabledClass,
		"cooldownMs":    opts.Cooldown.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode widget options: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("this.CAPGATE_OPTIONS = ")
	sb.WriteString(payload)
	sb.WriteString(";\n")
	sb.WriteString(activatorScript)
	return sb.String(), nil
}
