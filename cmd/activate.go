package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/page"
	"github.com/tbleier/capgate/internal/report"
	"github.com/tbleier/capgate/internal/widget"
)

func newActivateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate [path|URL|-]…",
		Short: "Run the widget activation pass over documents or URLs.",
		Long: `Activate reads each input (a file path, an http(s) URL, or - for stdin),
renames the duplicated widget ids with ordinal suffixes, marks the boxes
disabled, and writes the result. --click dispatches clicks to activated
buttons before the document is rendered.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runActivate,
	}

	cmd.Flags().IntSlice("click", nil, "ordinals of buttons to click after activation")
	cmd.Flags().Bool("wait-cooldown", false, "wait for click cooldowns to expire before rendering")
	cmd.Flags().String("format", "html", "output format: html, json, or junit")
	cmd.Flags().StringP("output", "o", "", "output path (default stdout)")
	cmd.Flags().Bool("record", false, "record activation runs in the configured store")
	return cmd
}

func runActivate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.GetLogger()

	clicks, _ := cmd.Flags().GetIntSlice("click")
	waitCooldown, _ := cmd.Flags().GetBool("wait-cooldown")
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	record, _ := cmd.Flags().GetBool("record")

	if format != "html" && format != "json" && format != "junit" {
		return fmt.Errorf("unknown format %q (want html, json, or junit)", format)
	}
	if format == "html" && len(args) > 1 {
		return fmt.Errorf("html output supports exactly one input, got %d (use --format json)", len(args))
	}

	opts := widget.OptionsFromConfig(cfg.Widget)

	var reports []schemas.ActivationReport
	var snapshots []string
	for _, input := range args {
		rep, snapshot, err := activateOne(ctx, input, opts, clicks, waitCooldown, logger)
		if err != nil {
			return fmt.Errorf("failed to activate %q: %w", input, err)
		}
		reports = append(reports, rep)
		snapshots = append(snapshots, snapshot)
	}

	if record {
		if !cfg.Store.Enabled() {
			return fmt.Errorf("--record requires store.url (or CAPGATE_STORE_URL)")
		}
		st, closeStore, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		for _, rep := range reports {
			if err := st.RecordActivation(ctx, rep); err != nil {
				return fmt.Errorf("failed to record activation run: %w", err)
			}
		}
	}

	w, err := report.Open(output)
	if err != nil {
		return err
	}
	defer w.Close()

	switch format {
	case "html":
		_, err = io.WriteString(w, snapshots[0])
		return err
	case "json":
		return report.WriteActivationJSON(w, reports)
	default:
		return report.WriteActivationJUnit(w, reports)
	}
}

// activateOne loads one input into a session, applies the requested
// clicks, and returns the report plus the rendered document.
func activateOne(ctx context.Context, input string, opts widget.Options, clicks []int, waitCooldown bool, logger *zap.Logger) (schemas.ActivationReport, string, error) {
	session, err := page.NewSession(ctx, opts, logger)
	if err != nil {
		return schemas.ActivationReport{}, "", err
	}
	defer session.Close()

	var rep schemas.ActivationReport
	switch {
	case input == "-":
		markup, err := io.ReadAll(os.Stdin)
		if err != nil {
			return schemas.ActivationReport{}, "", fmt.Errorf("failed to read stdin: %w", err)
		}
		rep, err = session.LoadHTML(string(markup))
		if err != nil {
			return schemas.ActivationReport{}, "", err
		}
		rep.Source = "stdin"
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		rep, err = session.Load(ctx, input)
		if err != nil {
			return schemas.ActivationReport{}, "", err
		}
	default:
		markup, err := os.ReadFile(input)
		if err != nil {
			return schemas.ActivationReport{}, "", err
		}
		rep, err = session.LoadHTML(string(markup))
		if err != nil {
			return schemas.ActivationReport{}, "", err
		}
		rep.Source = "file"
		rep.PageURL = input
	}

	for _, ordinal := range clicks {
		buttonID := fmt.Sprintf("%s-%d", opts.ButtonID, ordinal)
		if _, err := session.Click(buttonID); err != nil {
			return schemas.ActivationReport{}, "", fmt.Errorf("click on %s failed: %w", buttonID, err)
		}
	}

	if waitCooldown && len(clicks) > 0 {
		if err := awaitCooldowns(ctx, session, opts.Cooldown); err != nil {
			return schemas.ActivationReport{}, "", err
		}
	}

	snapshot, err := session.Snapshot()
	if err != nil {
		return schemas.ActivationReport{}, "", err
	}
	return rep, snapshot, nil
}

// awaitCooldowns polls until every pending cooldown fired.
func awaitCooldowns(ctx context.Context, session *page.Session, cooldown time.Duration) error {
	deadline := time.NewTimer(cooldown + 2*time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for session.PendingCooldowns() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("cooldowns did not expire within %s", cooldown+2*time.Second)
		case <-tick.C:
		}
	}
	return nil
}
