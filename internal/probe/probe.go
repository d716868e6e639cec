// Package probe drives a real headless browser against live pages and
// asserts that the widgets on them behave to contract: renamed ids,
// disabled boxes, click effects, and cooldown expiry.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/widget"
)

// Prober probes live pages with chromedp.
type Prober struct {
	cfg    config.ProbeConfig
	opts   widget.Options
	logger *zap.Logger
}

// New builds a prober from config.
func New(cfg *config.Config, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		cfg:    cfg.Probe,
		opts:   widget.OptionsFromConfig(cfg.Widget),
		logger: logger.Named("probe"),
	}
}

// ProbeAll probes every URL, at most cfg.Concurrency pages in parallel.
// clicked selects the ordinal whose button the probe clicks. Results come
// back in input order; per-page failures land in the result, not in err.
func (p *Prober) ProbeAll(ctx context.Context, urls []string, clicked int) ([]schemas.ProbeResult, error) {
	results := make([]schemas.ProbeResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var mu sync.Mutex
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			result := p.probeOne(gctx, u, clicked)
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// probeOne runs the full check sequence against one page in a fresh
// browser context.
func (p *Prober) probeOne(ctx context.Context, url string, clicked int) schemas.ProbeResult {
	start := time.Now()
	result := schemas.ProbeResult{URL: url, Clicked: clicked}

	probeCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoFirstRun,
	)
	for _, arg := range p.cfg.BrowserArgs {
		allocOpts = append(allocOpts, chromedp.Flag(arg, true))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(probeCtx, allocOpts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	log := p.logger.With(zap.String("url", url))
	log.Info("Probing page.")

	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		result.Err = fmt.Sprintf("navigation failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}

	before, err := p.sample(browserCtx)
	if err != nil {
		result.Err = fmt.Sprintf("page sampling failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}
	result.Containers = len(before.Containers)
	result.Checks = staticChecks(before, p.opts)

	// A click probe needs an activated container at the chosen ordinal.
	if clicked < 0 || clicked >= len(before.Containers) {
		result.Elapsed = time.Since(start)
		return result
	}

	if err := p.click(browserCtx, clicked); err != nil {
		result.Err = fmt.Sprintf("click failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}
	after, err := p.sample(browserCtx)
	if err != nil {
		result.Err = fmt.Sprintf("post-click sampling failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}
	result.Checks = append(result.Checks, clickChecks(before, after, clicked, p.opts)...)

	if err := p.sleepInPage(browserCtx, p.opts.Cooldown+p.cfg.CooldownSlack); err != nil {
		result.Err = fmt.Sprintf("cooldown wait failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}
	final, err := p.sample(browserCtx)
	if err != nil {
		result.Err = fmt.Sprintf("post-cooldown sampling failed: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}
	result.Checks = append(result.Checks, cooldownCheck(final, clicked, p.opts))

	result.Elapsed = time.Since(start)
	log.Info("Probe finished.",
		zap.Int("containers", result.Containers),
		zap.Bool("passed", result.Passed()),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

// sample reads the widget state out of the page.
func (p *Prober) sample(ctx context.Context) (pageSample, error) {
	var raw json.RawMessage
	err := chromedp.Run(ctx,
		chromedp.Evaluate(p.sampleScript(), &raw, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
			return params.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return pageSample{}, err
	}
	var sample pageSample
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &sample); err != nil {
		return pageSample{}, fmt.Errorf("failed to decode page sample: %w", err)
	}
	return sample, nil
}

// click dispatches a real click to the renamed button.
func (p *Prober) click(ctx context.Context, ordinal int) error {
	var ok bool
	script := fmt.Sprintf(`(() => {
		const b = document.getElementById(%s);
		if (!b) { return false; }
		b.click();
		return true;
	})()`, jsString(fmt.Sprintf("%s-%d", p.opts.ButtonID, ordinal)))
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("button %s-%d not found", p.opts.ButtonID, ordinal)
	}
	return nil
}

// sleepInPage waits inside the page so the page's own timers keep running
// under the same clock.
func (p *Prober) sleepInPage(ctx context.Context, d time.Duration) error {
	var done bool
	script := fmt.Sprintf(`new Promise(resolve => setTimeout(() => resolve(true), %d))`, d.Milliseconds())
	return chromedp.Run(ctx,
		chromedp.Evaluate(script, &done, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
			return params.WithAwaitPromise(true).WithReturnByValue(true)
		}),
	)
}

// sampleScript builds the IIFE reading container state, parameterized by
// the widget contract.
func (p *Prober) sampleScript() string {
	return fmt.Sprintf(`(() => {
		const marker = %s, boxId = %s, buttonId = %s;
		const containers = Array.from(document.querySelectorAll('[id*="' + marker + '"]'));
		return {
			containers: containers.map((c, i) => {
				const box = document.getElementById(boxId + '-' + i);
				const button = document.getElementById(buttonId + '-' + i);
				return {
					containerId: c.id,
					hasBox: !!box,
					hasButton: !!button,
					boxClasses: box ? Array.from(box.classList) : [],
					buttonDisabled: button ? button.disabled : false,
					buttonType: button ? (button.getAttribute('type') || '') : ''
				};
			}),
			strayBox: !!document.getElementById(boxId),
			strayButton: !!document.getElementById(buttonId)
		};
	})()`, jsString(p.opts.Marker), jsString(p.opts.BoxID), jsString(p.opts.ButtonID))
}

// jsString renders s as a JS string literal.
func jsString(s string) string {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}
