package netx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/dom"
	"github.com/tbleier/capgate/internal/widget"
)

// rewriteSizeLimit caps how much of a response body the proxy is willing to
// buffer for rewriting. Larger bodies pass through untouched.
const rewriteSizeLimit = 8 << 20

// InjectorProxy is a forward proxy that rewrites text/html responses in
// flight: widget markup is activated server-side and, optionally, the
// canonical script is injected so click wiring still happens in the
// browser. HTTPS is tunneled, never intercepted. Everything that is not
// HTML, or fails to parse as HTML, passes through byte for byte.
type InjectorProxy struct {
	proxy       *goproxy.ProxyHttpServer
	cfg         config.ProxyConfig
	opts        widget.Options
	server      *http.Server
	serverMutex sync.Mutex
	logger      *zap.Logger
}

// NewInjectorProxy builds the proxy around the given widget contract.
func NewInjectorProxy(cfg config.ProxyConfig, opts widget.Options, logger *zap.Logger) *InjectorProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("injector_proxy")

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{Proxy: http.ProxyFromEnvironment}

	ip := &InjectorProxy{
		proxy:  proxy,
		cfg:    cfg,
		opts:   opts,
		logger: log,
	}

	// CONNECT requests are tunneled; only plain HTTP bodies are visible.
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return goproxy.OkConnect, host
		}))
	proxy.OnResponse().DoFunc(ip.handleResponse)

	return ip
}

// handleResponse rewrites eligible HTML responses and passes everything
// else through unchanged.
func (ip *InjectorProxy) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || resp.Body == nil {
		return resp
	}
	if resp.StatusCode != http.StatusOK || !isHTML(resp.Header.Get("Content-Type")) {
		return resp
	}
	if resp.ContentLength > rewriteSizeLimit {
		return resp
	}

	reqURL := "unknown"
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		reqURL = ctx.Req.URL.String()
	}

	// Peel any compression layers before parsing the body.
	if err := DecompressResponse(resp); err != nil {
		ip.logger.Warn("Failed to decompress HTML response, passing through.",
			zap.String("url", reqURL), zap.Error(err))
		return resp
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, rewriteSizeLimit+1))
	closeErr := resp.Body.Close()
	if err != nil || closeErr != nil || len(body) > rewriteSizeLimit {
		ip.logger.Warn("Failed to buffer HTML response, dropping body rewrite.",
			zap.String("url", reqURL), zap.Error(errors.Join(err, closeErr)))
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}

	rewritten, report, err := ip.rewrite(body)
	if err != nil {
		// Not parseable as HTML we can re-render; pass the original through.
		ip.logger.Debug("HTML rewrite skipped.", zap.String("url", reqURL), zap.Error(err))
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return resp
	}

	activated, failed := report.Counts()
	ip.logger.Info("Rewrote HTML response.",
		zap.String("url", reqURL),
		zap.Int("containers", len(report.Containers)),
		zap.Int("activated", activated),
		zap.Int("failed", failed))

	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	resp.ContentLength = int64(len(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return resp
}

// rewrite runs the activation pass over body and optionally injects the
// canonical script tag into head.
func (ip *InjectorProxy) rewrite(body []byte) ([]byte, schemas.ActivationReport, error) {
	doc, err := dom.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, schemas.ActivationReport{}, fmt.Errorf("parse failed: %w", err)
	}

	activator := widget.NewActivator(ip.opts, ip.logger)
	report, err := activator.Activate(doc)
	if err != nil {
		return nil, report, fmt.Errorf("activation failed: %w", err)
	}

	if ip.cfg.InjectScript && len(report.Containers) > 0 {
		if err := injectScriptTag(doc, ip.opts); err != nil {
			return nil, report, err
		}
	}

	rendered, err := dom.Render(doc)
	if err != nil {
		return nil, report, fmt.Errorf("render failed: %w", err)
	}
	return []byte(rendered), report, nil
}

// injectScriptTag appends the canonical script, configured for the proxy's
// widget contract, to the document head (or body when no head exists).
func injectScriptTag(doc *html.Node, opts widget.Options) error {
	parent, err := dom.QueryOne(doc, "//head")
	if err != nil || parent == nil {
		parent, err = dom.QueryOne(doc, "//body")
		if err != nil || parent == nil {
			return errors.New("document has neither head nor body")
		}
	}

	src, err := widget.ScriptWithOptions(opts)
	if err != nil {
		return err
	}

	script := &html.Node{Type: html.ElementNode, Data: "script"}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: src})
	parent.AppendChild(script)
	return nil
}

// Start runs the proxy and blocks until the context is cancelled or the
// listener fails.
func (ip *InjectorProxy) Start(ctx context.Context, addr string) error {
	ip.serverMutex.Lock()
	if ip.server != nil {
		ip.serverMutex.Unlock()
		return errors.New("proxy server already started")
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      ip.proxy,
		ReadTimeout:  ip.cfg.ReadTimeout,
		WriteTimeout: ip.cfg.WriteTimeout,
		IdleTimeout:  ip.cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(ip.logger.Named("http_server")),
	}
	ip.server = server
	ip.serverMutex.Unlock()

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ip.logger.Info("Shutdown signal received, stopping injector proxy.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	ip.logger.Info("Starting injector proxy.", zap.String("address", addr))
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}

	ip.serverMutex.Lock()
	if ip.server == server {
		ip.server = nil
	}
	ip.serverMutex.Unlock()

	if err != nil {
		return fmt.Errorf("proxy server failed: %w", err)
	}
	ip.logger.Info("Injector proxy stopped gracefully.")
	return nil
}

// Handler exposes the proxy handler for tests.
func (ip *InjectorProxy) Handler() http.Handler { return ip.proxy }

func isHTML(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
