package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/server"
	"github.com/tbleier/capgate/internal/store"
)

// stubVerifier accepts or rejects every token.
type stubVerifier struct {
	result schemas.VerifyResult
	err    error
	calls  int
}

func (v *stubVerifier) Verify(ctx context.Context, token, remoteIP string) (schemas.VerifyResult, error) {
	v.calls++
	return v.result, v.err
}

// stubStore records subscribe/confirm calls in memory.
type stubStore struct {
	saved     map[string]store.Subscriber
	confirmed map[string]bool
	saveErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		saved:     make(map[string]store.Subscriber),
		confirmed: make(map[string]bool),
	}
}

func (s *stubStore) SaveSubscriber(ctx context.Context, email string) (store.Subscriber, bool, error) {
	if s.saveErr != nil {
		return store.Subscriber{}, false, s.saveErr
	}
	if sub, ok := s.saved[email]; ok {
		return sub, false, nil
	}
	sub := store.Subscriber{ID: "sub-" + email, Email: email, CreatedAt: time.Now()}
	s.saved[email] = sub
	return sub, true, nil
}

func (s *stubStore) ConfirmSubscriber(ctx context.Context, email string) error {
	if _, ok := s.saved[email]; !ok {
		return fmt.Errorf("%w: %s", store.ErrSubscriberNotFound, email)
	}
	s.confirmed[email] = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.ConfirmSecret = "test-secret"
	cfg.Server.SubscribeRPS = 1000
	cfg.Server.SubscribeBurst = 1000
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, verifier server.Verifier, subs server.Subscribers) *httptest.Server {
	t.Helper()
	srv := server.New(cfg, verifier, subs, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func okVerifier() *stubVerifier {
	return &stubVerifier{result: schemas.VerifyResult{Success: true, Hostname: "example.com"}}
}

func subscribeBody(t *testing.T, email string) *bytes.Reader {
	t.Helper()
	payload, err := json.Marshal(schemas.SubscribeRequest{Email: email, CaptchaToken: "tok"})
	require.NoError(t, err)
	return bytes.NewReader(payload)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, testConfig(), okVerifier(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDemoPage(t *testing.T) {
	ts := newTestServer(t, testConfig(), okVerifier(), nil)

	t.Run("default widget count is activated", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		page := string(body)
		for i := 0; i < 3; i++ {
			assert.Contains(t, page, fmt.Sprintf(`id="recaptcha-box-%d"`, i))
			assert.Contains(t, page, fmt.Sprintf(`id="recaptcha-button-%d"`, i))
		}
		assert.Contains(t, page, "disabled-state")
		assert.Contains(t, page, "/static/activator.js")
		assert.NotContains(t, page, `id="recaptcha-box"`, "no un-renamed box may survive")
	})

	t.Run("widgets parameter is honored and capped", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/?widgets=1")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Contains(t, string(body), `id="recaptcha-box-0"`)
		assert.NotContains(t, string(body), `id="recaptcha-box-1"`)

		resp, err = http.Get(ts.URL + "/?widgets=9999")
		require.NoError(t, err)
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Contains(t, string(body), `id="recaptcha-box-24"`, "capped at max_demo_widgets")
		assert.NotContains(t, string(body), `id="recaptcha-box-25"`)
	})

	t.Run("malformed widgets parameter", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/?widgets=lots")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestActivatorScript(t *testing.T) {
	ts := newTestServer(t, testConfig(), okVerifier(), nil)

	resp, err := http.Get(ts.URL + "/static/activator.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "CAPGATE_OPTIONS")
	assert.Contains(t, string(body), "activateWidgets")
}

func TestActivateEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(), okVerifier(), nil)

	input := `<html><body>
		<div id="recaptcha-area-0"><div id="recaptcha-box"></div><button id="recaptcha-button"></button></div>
		<div id="recaptcha-area-1"><div id="recaptcha-box"></div><button id="recaptcha-button"></button></div>
	</body></html>`

	t.Run("html in html out", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/activate", "text/html", strings.NewReader(input))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `id="recaptcha-box-1"`)
		assert.Contains(t, string(body), "disabled-state")
	})

	t.Run("json envelope carries the report", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/activate?format=json", "text/html", strings.NewReader(input))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var envelope server.ActivationEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		assert.Contains(t, envelope.HTML, `id="recaptcha-button-0"`)
		require.Len(t, envelope.Report.Containers, 2)
		assert.True(t, envelope.Report.Clean())
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/activate", "text/html", strings.NewReader("   "))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSubscribeFlow(t *testing.T) {
	t.Run("verified subscription mints a confirm token", func(t *testing.T) {
		verifier := okVerifier()
		subs := newStubStore()
		ts := newTestServer(t, testConfig(), verifier, subs)

		resp, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "Alice@Example.com"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out schemas.SubscribeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "pending_confirmation", out.Status)
		assert.Equal(t, "alice@example.com", out.Email, "email is normalized")
		assert.True(t, out.Created)
		assert.NotEmpty(t, out.ConfirmToken)
		assert.Equal(t, 1, verifier.calls)

		// The minted token closes the loop through /confirm.
		confirmResp, err := http.Get(ts.URL + "/confirm?token=" + out.ConfirmToken)
		require.NoError(t, err)
		defer confirmResp.Body.Close()
		require.Equal(t, http.StatusOK, confirmResp.StatusCode)
		assert.True(t, subs.confirmed["alice@example.com"])
	})

	t.Run("rejected captcha yields 403", func(t *testing.T) {
		verifier := &stubVerifier{result: schemas.VerifyResult{Success: false, ErrorCodes: []string{"invalid-input-response"}}}
		ts := newTestServer(t, testConfig(), verifier, newStubStore())

		resp, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "a@example.com"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("verifier outage yields 502", func(t *testing.T) {
		verifier := &stubVerifier{err: errors.New("provider unreachable")}
		ts := newTestServer(t, testConfig(), verifier, newStubStore())

		resp, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "a@example.com"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("invalid email yields 400", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), okVerifier(), newStubStore())

		resp, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "not-an-email"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no store configured still succeeds", func(t *testing.T) {
		ts := newTestServer(t, testConfig(), okVerifier(), nil)

		resp, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "a@example.com"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out schemas.SubscribeResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "pending_confirmation", out.Status)
		assert.False(t, out.Created)
		assert.NotEmpty(t, out.ConfirmToken)
	})
}

func TestConfirmRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t, testConfig(), okVerifier(), newStubStore())

	resp, err := http.Get(ts.URL + "/confirm")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/confirm?token=not-a-jwt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribeRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SubscribeRPS = 0.001
	cfg.Server.SubscribeBurst = 1
	ts := newTestServer(t, cfg, okVerifier(), newStubStore())

	first, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "a@example.com"))
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Post(ts.URL+"/subscribe", "application/json", subscribeBody(t, "b@example.com"))
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestGracefulStart(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	srv := server.New(cfg, okVerifier(), nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
