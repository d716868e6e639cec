package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/probe"
	"github.com/tbleier/capgate/internal/report"
)

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe URL…",
		Short: "Probe live pages with a headless browser.",
		Long: `Probe drives a headless Chrome against each URL and checks that the
activated widgets behave: ordinal id suffixes, initial disabled state,
click isolation, and cooldown recovery.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runProbe,
	}

	cmd.Flags().Int("click", 0, "ordinal of the button to click during the probe")
	cmd.Flags().String("format", "json", "output format: json or junit")
	cmd.Flags().StringP("output", "o", "", "output path (default stdout)")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	clicked, _ := cmd.Flags().GetInt("click")
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	if format != "json" && format != "junit" {
		return fmt.Errorf("unknown format %q (want json or junit)", format)
	}

	results, err := probe.New(appConfig, logger).ProbeAll(ctx, args, clicked)
	if err != nil {
		return err
	}

	w, err := report.Open(output)
	if err != nil {
		return err
	}
	defer w.Close()

	if format == "json" {
		err = report.WriteProbeJSON(w, results)
	} else {
		err = report.WriteProbeJUnit(w, results)
	}
	if err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if !r.Passed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed the probe", failed, len(results))
	}
	return nil
}
