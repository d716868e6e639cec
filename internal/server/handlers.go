package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/dom"
	"github.com/tbleier/capgate/internal/store"
	"github.com/tbleier/capgate/internal/widget"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxActivateBody bounds POST /api/activate payloads.
const maxActivateBody = 8 << 20

// ActivationEnvelope is the JSON response of POST /api/activate?format=json.
type ActivationEnvelope struct {
	HTML   string                   `json:"html"`
	Report schemas.ActivationReport `json:"report"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDemo renders the newsletter page with ?widgets=n duplicated widget
// blocks, already activated server-side. Browsers also receive the
// canonical script so clicks behave like the original site.
func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	n := s.cfg.DemoWidgets
	if raw := r.URL.Query().Get("widgets"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "widgets must be a non-negative integer")
			return
		}
		n = parsed
	}
	if s.cfg.MaxDemoWidgets > 0 && n > s.cfg.MaxDemoWidgets {
		n = s.cfg.MaxDemoWidgets
	}

	page, report, err := s.renderDemo(n)
	if err != nil {
		s.logger.Error("Failed to render demo page.", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to render page")
		return
	}

	activated, failed := report.Counts()
	s.logger.Debug("Demo page rendered.",
		zap.Int("widgets", n), zap.Int("activated", activated), zap.Int("failed", failed))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, page)
}

// handleScript serves the canonical browser script, pre-configured with
// the server's widget contract.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	script, err := widget.ScriptWithOptions(s.opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render script")
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = io.WriteString(w, script)
}

// handleActivate runs the activation pass over a posted HTML document.
// The default response is the rewritten HTML; ?format=json wraps it in an
// envelope together with the activation report.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActivateBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxActivateBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty document")
		return
	}

	doc, err := dom.Parse(bytes.NewReader(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse HTML: %v", err))
		return
	}

	activator := widget.NewActivator(s.opts, s.logger)
	report, err := activator.Activate(doc)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("activation failed: %v", err))
		return
	}
	rendered, err := dom.Render(doc)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render document")
		return
	}

	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, http.StatusOK, ActivationEnvelope{HTML: rendered, Report: report})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, rendered)
}

// handleSubscribe verifies the CAPTCHA token, upserts the subscriber, and
// returns a signed confirmation token in place of the confirmation e-mail
// the original site sent.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req schemas.SubscribeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	email, err := normalizeEmail(req.Email)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	result, err := s.verifier.Verify(r.Context(), req.CaptchaToken, clientIP(r))
	if err != nil {
		s.logger.Error("CAPTCHA verification failed.", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "captcha verification unavailable")
		return
	}
	if result.Rejected() {
		s.logger.Info("CAPTCHA token rejected.",
			zap.String("email", email), zap.Strings("error_codes", result.ErrorCodes))
		s.writeError(w, http.StatusForbidden, "captcha verification failed")
		return
	}

	resp := schemas.SubscribeResponse{
		Status: "pending_confirmation",
		Email:  email,
	}

	if s.subs != nil {
		sub, created, err := s.subs.SaveSubscriber(r.Context(), email)
		if err != nil {
			s.logger.Error("Failed to save subscriber.", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to save subscription")
			return
		}
		resp.Created = created
		if sub.Confirmed {
			resp.Status = "already_confirmed"
		}
	}

	if s.cfg.ConfirmSecret != "" && resp.Status == "pending_confirmation" {
		token, err := issueConfirmToken(email, s.cfg.ConfirmSecret, s.cfg.ConfirmTTL)
		if err != nil {
			s.logger.Error("Failed to sign confirmation token.", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to issue confirmation token")
			return
		}
		resp.ConfirmToken = token
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleConfirm validates the confirmation token and marks the subscriber
// confirmed.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if s.cfg.ConfirmSecret == "" {
		s.writeError(w, http.StatusNotImplemented, "confirmation is not configured")
		return
	}

	email, err := parseConfirmToken(raw, s.cfg.ConfirmSecret)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	if s.subs != nil {
		if err := s.subs.ConfirmSubscriber(r.Context(), email); err != nil {
			if errors.Is(err, store.ErrSubscriberNotFound) {
				s.writeError(w, http.StatusNotFound, "no pending subscription for this token")
				return
			}
			s.logger.Error("Failed to confirm subscriber.", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to confirm subscription")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed", "email": email})
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Address), nil
}

// clientIP prefers the RealIP-resolved remote address, dropping the port.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
