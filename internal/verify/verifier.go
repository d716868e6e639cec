// Package verify implements the server-side client for the CAPTCHA
// provider's siteverify endpoint. Transport failures retry with exponential
// backoff behind a rate limiter; a rejected token is a result, not an
// error.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/netx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMissingSecret is returned when the verifier is used without a shared
// secret configured.
var ErrMissingSecret = errors.New("verifier secret is not configured")

// responseSizeLimit guards against a misbehaving endpoint; the real payload
// is a few hundred bytes.
const responseSizeLimit = 1 << 20

// Verifier posts tokens to the provider's siteverify endpoint.
type Verifier struct {
	endpoint string
	secret   string
	client   *http.Client
	limiter  *rate.Limiter
	// maxElapsed bounds the whole retry sequence for one Verify call.
	maxElapsed time.Duration
	log        *zap.Logger
}

// New builds a Verifier from config. A nil logger is replaced with a nop.
func New(cfg config.VerifierConfig, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Verifier{
		endpoint: cfg.Endpoint,
		secret:   cfg.Secret,
		client: &http.Client{
			Transport: netx.NewCompressionMiddleware(nil),
			Timeout:   cfg.Timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		maxElapsed: cfg.MaxElapsedTime,
		log:        logger.Named("verifier"),
	}
}

// siteverifyResponse is the provider's wire format.
type siteverifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verify posts token (and the optional client address) to the provider.
// Network errors, 429, and 5xx responses are retried until the configured
// elapsed budget runs out; other 4xx responses and malformed payloads fail
// immediately. The returned error covers transport-level failure only; a
// provider rejection comes back as a VerifyResult with Success false.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) (schemas.VerifyResult, error) {
	if v.secret == "" {
		return schemas.VerifyResult{}, ErrMissingSecret
	}
	if token == "" {
		return schemas.VerifyResult{Success: false, ErrorCodes: []string{"missing-input-response"}}, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	encoded := form.Encode()

	var result schemas.VerifyResult

	operation := func() error {
		if err := v.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter wait aborted: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(encoded))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create siteverify request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := v.client.Do(req)
		if err != nil {
			v.log.Debug("siteverify request failed, will retry.", zap.Error(err))
			return fmt.Errorf("siteverify request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			// Fall through to decode.
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseSizeLimit))
			v.log.Debug("siteverify returned a retryable status.", zap.Int("status", resp.StatusCode))
			return fmt.Errorf("siteverify returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("siteverify returned status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, responseSizeLimit))
		if err != nil {
			return fmt.Errorf("failed to read siteverify response: %w", err)
		}

		var payload siteverifyResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode siteverify response: %w", err))
		}

		result = schemas.VerifyResult{
			Success:    payload.Success,
			Hostname:   payload.Hostname,
			ErrorCodes: payload.ErrorCodes,
		}
		if payload.ChallengeTS != "" {
			if ts, perr := time.Parse(time.RFC3339, payload.ChallengeTS); perr == nil {
				result.ChallengeTS = ts
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = v.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return schemas.VerifyResult{}, fmt.Errorf("siteverify failed: %w", err)
	}

	if !result.Success {
		v.log.Info("CAPTCHA token rejected by provider.", zap.Strings("error_codes", result.ErrorCodes))
	}
	return result, nil
}
