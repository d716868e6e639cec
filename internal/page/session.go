// Package page provides a minimal headless browsing session: it fetches a
// document over HTTP, runs the widget activation pass against the parsed
// tree, and exposes the activated runtime for clicks and snapshots.
package page

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
	"github.com/tbleier/capgate/internal/netx"
	"github.com/tbleier/capgate/internal/widget"
)

const (
	maxRedirects   = 10
	defaultTimeout = 60 * time.Second
)

// ErrNoDocument is returned when a runtime operation runs before Load.
var ErrNoDocument = fmt.Errorf("no document loaded")

// Session is a single browsing session. A session holds at most one live
// document at a time; loading a new one closes the previous runtime and
// its pending cooldowns.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	opts   widget.Options

	client *http.Client

	mu         sync.RWMutex
	currentURL *url.URL
	runtime    *widget.Runtime

	closeOnce sync.Once
}

// NewSession initializes a session with a cookie-aware HTTP client. The
// transport decompresses gzip, brotli, and deflate bodies transparently.
func NewSession(parentCtx context.Context, opts widget.Options, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.New().String()
	log := logger.Named("page").With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(parentCtx)

	jar, err := cookiejar.New(nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	s := &Session{
		id:     sessionID,
		ctx:    ctx,
		cancel: cancel,
		logger: log,
		opts:   opts,
		client: &http.Client{
			Transport: netx.NewCompressionMiddleware(&http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
			Jar:     jar,
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
				}
				return nil
			},
		},
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Load fetches a URL, parses the HTML response, and activates the widgets
// on it. Relative URLs resolve against the previously loaded document.
func (s *Session) Load(ctx context.Context, targetURL string) (schemas.ActivationReport, error) {
	loadCtx, loadCancel := CombineContext(s.ctx, ctx)
	defer loadCancel()

	resolved, err := s.resolveURL(targetURL)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("failed to resolve URL %q: %w", targetURL, err)
	}

	s.logger.Info("Loading page.", zap.String("url", resolved.String()))

	req, err := http.NewRequestWithContext(loadCtx, http.MethodGet, resolved.String(), nil)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Encoding", "gzip, br, deflate")

	resp, err := s.client.Do(req)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return schemas.ActivationReport{}, fmt.Errorf("request for %q returned status %d", resolved.String(), resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return schemas.ActivationReport{}, fmt.Errorf("response is not HTML (content type %q)", contentType)
	}

	doc, err := dom.Parse(resp.Body)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	// The final URL after redirects, not the one requested.
	return s.install(doc, resp.Request.URL)
}

// LoadHTML activates a document supplied directly, bypassing the network.
func (s *Session) LoadHTML(markup string) (schemas.ActivationReport, error) {
	doc, err := dom.ParseString(markup)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return s.install(doc, nil)
}

// install swaps the session's live runtime for a fresh one over doc.
func (s *Session) install(doc *html.Node, pageURL *url.URL) (schemas.ActivationReport, error) {
	rt, err := widget.NewRuntime(doc, s.opts, s.logger)
	if err != nil {
		return schemas.ActivationReport{}, fmt.Errorf("activation failed: %w", err)
	}

	s.mu.Lock()
	prev := s.runtime
	s.runtime = rt
	s.currentURL = pageURL
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	report := rt.Report()
	report.RunID = uuid.New().String()
	report.Source = "session"
	if pageURL != nil {
		report.PageURL = pageURL.String()
	}
	activated, failed := report.Counts()
	s.logger.Info("Page activated.",
		zap.Int("containers", len(report.Containers)),
		zap.Int("activated", activated),
		zap.Int("failed", failed))
	return report, nil
}

// Click dispatches a click to an activated button on the current document.
func (s *Session) Click(buttonID string) (schemas.ClickResult, error) {
	rt, err := s.current()
	if err != nil {
		return schemas.ClickResult{}, err
	}
	return rt.DispatchClick(buttonID)
}

// State reports the live box/button state for a container ordinal.
func (s *Session) State(ordinal int) (widget.WidgetState, error) {
	rt, err := s.current()
	if err != nil {
		return widget.WidgetState{}, err
	}
	return rt.State(ordinal)
}

// Report returns the activation report of the current document.
func (s *Session) Report() (schemas.ActivationReport, error) {
	rt, err := s.current()
	if err != nil {
		return schemas.ActivationReport{}, err
	}
	return rt.Report(), nil
}

// Snapshot renders the current document, reflecting clicks and cooldowns.
func (s *Session) Snapshot() (string, error) {
	rt, err := s.current()
	if err != nil {
		return "", err
	}
	return rt.Snapshot()
}

// PendingCooldowns reports how many buttons are waiting to be re-enabled.
func (s *Session) PendingCooldowns() int {
	rt, err := s.current()
	if err != nil {
		return 0
	}
	return rt.PendingCooldowns()
}

// URL returns the URL of the current document, or "" for LoadHTML pages.
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentURL == nil {
		return ""
	}
	return s.currentURL.String()
}

// Close cancels the session context, shuts down the runtime, and releases
// idle connections. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing session.")
		s.cancel()

		s.mu.Lock()
		rt := s.runtime
		s.runtime = nil
		s.mu.Unlock()

		if rt != nil {
			rt.Close()
		}
		s.client.CloseIdleConnections()
	})
}

func (s *Session) current() (*widget.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runtime == nil {
		return nil, ErrNoDocument
	}
	return s.runtime, nil
}

func (s *Session) resolveURL(target string) (*url.URL, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	base := s.currentURL
	s.mu.RUnlock()
	if base != nil {
		return base.ResolveReference(parsed), nil
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("relative URL %q with no document loaded", target)
	}
	return parsed, nil
}
