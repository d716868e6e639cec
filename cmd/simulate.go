package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/page"
	"github.com/tbleier/capgate/internal/report"
	"github.com/tbleier/capgate/internal/store"
	"github.com/tbleier/capgate/internal/widget"
)

// SimulationSummary aggregates the outcome of a load run.
type SimulationSummary struct {
	Sessions       int           `json:"sessions"`
	Containers     int           `json:"containers"`
	Activated      int           `json:"activated"`
	Failed         int           `json:"failed"`
	Clicks         int           `json:"clicks"`
	ClicksRejected int           `json:"clicks_rejected"`
	Duration       time.Duration `json:"duration_ns"`
}

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate [URL]",
		Short: "Drive many concurrent activation sessions.",
		Long: `Simulate runs a swarm of page sessions against a URL, or against a
generated fixture when no URL is given. Each session activates the page
and clicks random buttons, exercising the cooldown path under load.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSimulate,
	}

	cmd.Flags().Int("sessions", 0, "number of sessions (overrides simulate.sessions)")
	cmd.Flags().Int("clicks", -1, "clicks per session (overrides simulate.clicks)")
	cmd.Flags().Int("widgets", 3, "widgets per generated fixture page")
	cmd.Flags().StringP("output", "o", "", "summary output path (default stdout)")
	cmd.Flags().Bool("record", false, "record every session run in the configured store")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.GetLogger()

	sessions := cfg.Simulate.Sessions
	if n, _ := cmd.Flags().GetInt("sessions"); n > 0 {
		sessions = n
	}
	clicks := cfg.Simulate.Clicks
	if n, _ := cmd.Flags().GetInt("clicks"); n >= 0 {
		clicks = n
	}
	widgets, _ := cmd.Flags().GetInt("widgets")
	output, _ := cmd.Flags().GetString("output")
	record, _ := cmd.Flags().GetBool("record")

	var targetURL string
	if len(args) == 1 {
		targetURL = args[0]
	}

	var st *store.Store
	if record {
		if !cfg.Store.Enabled() {
			return fmt.Errorf("--record requires store.url (or CAPGATE_STORE_URL)")
		}
		var closeStore func()
		var err error
		st, closeStore, err = openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
	}

	opts := widget.OptionsFromConfig(cfg.Widget)
	fixture := fixturePage(opts, widgets)

	var (
		mu      sync.Mutex
		summary = SimulationSummary{Sessions: sessions}
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Simulate.Concurrency)
	for i := 0; i < sessions; i++ {
		g.Go(func() error {
			rep, clicked, rejected, err := simulateSession(gctx, targetURL, fixture, opts, clicks, logger)
			if err != nil {
				return err
			}
			if st != nil {
				if err := st.RecordActivation(gctx, rep); err != nil {
					return fmt.Errorf("failed to record session run: %w", err)
				}
			}
			activated, failed := rep.Counts()
			mu.Lock()
			summary.Containers += len(rep.Containers)
			summary.Activated += activated
			summary.Failed += failed
			summary.Clicks += clicked
			summary.ClicksRejected += rejected
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	summary.Duration = time.Since(start)

	logger.Info("Simulation complete.",
		zap.Int("sessions", summary.Sessions),
		zap.Int("activated", summary.Activated),
		zap.Int("failed", summary.Failed),
		zap.Int("clicks", summary.Clicks),
		zap.Int("clicks_rejected", summary.ClicksRejected),
		zap.Duration("duration", summary.Duration))

	w, err := report.Open(output)
	if err != nil {
		return err
	}
	defer w.Close()
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// simulateSession runs one session to completion and returns its report
// plus how many clicks landed and how many hit a cooldown.
func simulateSession(ctx context.Context, targetURL, fixture string, opts widget.Options, clicks int, logger *zap.Logger) (schemas.ActivationReport, int, int, error) {
	session, err := page.NewSession(ctx, opts, logger)
	if err != nil {
		return schemas.ActivationReport{}, 0, 0, err
	}
	defer session.Close()

	var rep schemas.ActivationReport
	if targetURL != "" {
		rep, err = session.Load(ctx, targetURL)
	} else {
		rep, err = session.LoadHTML(fixture)
		rep.Source = "simulate"
	}
	if err != nil {
		return schemas.ActivationReport{}, 0, 0, err
	}

	var clicked, rejected int
	for i := 0; i < clicks && len(rep.Containers) > 0; i++ {
		ordinal := rep.Containers[rand.Intn(len(rep.Containers))].Ordinal
		_, err := session.Click(fmt.Sprintf("%s-%d", opts.ButtonID, ordinal))
		switch {
		case err == nil:
			clicked++
		case errors.Is(err, widget.ErrCoolingDown):
			rejected++
		default:
			return schemas.ActivationReport{}, 0, 0, err
		}
	}
	return rep, clicked, rejected, nil
}

// fixturePage builds a self-contained page with n copies of the
// pre-activation widget markup.
func fixturePage(opts widget.Options, n int) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b,
			`<div id="%s-%d"><div id=%q class="widget-box"></div><button id=%q type="button">verify</button></div>`,
			opts.Marker, i, opts.BoxID, opts.ButtonID)
	}
	b.WriteString("</body></html>")
	return b.String()
}
