// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/matrix"
	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

type connectionAPI interface {
	Status() connection.Status
	Reauthenticate(ctx context.Context) error
}

type loginTokenSink interface {
	SubmitLoginToken(token string) error
}

type statsSource interface {
	Stats() router.Stats
}

// adminAPI serves operator endpoints next to the webhook gateway.
type adminAPI struct {
	conn       connectionAPI
	sso        loginTokenSink
	stats      statsSource
	webhook    http.Handler
	adminToken string
}

type statusResponse struct {
	Connection connection.Status `json:"connection"`
	Router     router.Stats      `json:"router"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *adminAPI) routes(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/status", a.requireToken(a.handleStatus))
	mux.Handle("GET /api/auth/challenge", a.requireToken(a.handleChallenge))
	mux.Handle("GET /api/auth/challenge.png", a.requireToken(a.handleChallengeQR))
	mux.Handle("POST /api/auth/reauthenticate", a.requireToken(a.handleReauthenticate))
	mux.HandleFunc("GET /auth/sso-callback", a.handleSSOCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.webhook != nil {
		mux.Handle("POST /webhook", a.webhook)
		mux.Handle("POST /webhook/{secret}", a.webhook)
	}

	var handler http.Handler = mux
	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", accessPath(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	})(handler)
	handler = hlog.RequestIDHandler("req_id", "X-Request-Id")(handler)
	return hlog.NewHandler(log.With().Str("component", "api").Logger())(handler)
}

// accessPath hides the webhook secret from access logs.
func accessPath(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/webhook/") {
		return "/webhook/***"
	}
	return r.URL.Path
}

func (a *adminAPI) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
				exhttp.WriteJSONResponse(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	})
}

func (a *adminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, statusResponse{
		Connection: a.conn.Status(),
		Router:     a.stats.Stats(),
	})
}

func (a *adminAPI) currentChallenge(w http.ResponseWriter) (*connection.AuthChallenge, bool) {
	ch := a.conn.Status().Challenge
	if ch == nil {
		exhttp.WriteJSONResponse(w, http.StatusNotFound, errorResponse{Error: "no login is pending"})
		return nil, false
	}
	return ch, true
}

func (a *adminAPI) handleChallenge(w http.ResponseWriter, _ *http.Request) {
	if ch, ok := a.currentChallenge(w); ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, ch)
	}
}

func (a *adminAPI) handleChallengeQR(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.currentChallenge(w)
	if !ok {
		return
	}
	png, err := qrcode.Encode(ch.Payload, qrcode.Medium, 256)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to render challenge QR code")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "failed to render QR code"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (a *adminAPI) handleReauthenticate(w http.ResponseWriter, r *http.Request) {
	if err := a.conn.Reauthenticate(r.Context()); err != nil {
		hlog.FromRequest(r).Err(err).Msg("Reauthentication request failed")
		status := http.StatusInternalServerError
		if errors.Is(err, connection.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
		exhttp.WriteJSONResponse(w, status, errorResponse{Error: err.Error()})
		return
	}
	hlog.FromRequest(r).Info().Msg("Matrix reauthentication requested")
	exhttp.WriteJSONResponse(w, http.StatusAccepted, a.conn.Status())
}

func (a *adminAPI) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("loginToken")
	if token == "" {
		http.Error(w, "Missing loginToken parameter", http.StatusBadRequest)
		return
	}
	err := a.sso.SubmitLoginToken(token)
	switch {
	case err == nil:
		hlog.FromRequest(r).Info().Msg("Received SSO login token")
		_, _ = w.Write([]byte("Login received, the relay is connecting to Matrix. You can close this page.\n"))
	case errors.Is(err, matrix.ErrNoPendingLogin), errors.Is(err, matrix.ErrLoginBusy):
		http.Error(w, "No login is waiting for this token", http.StatusConflict)
	default:
		hlog.FromRequest(r).Err(err).Msg("Failed to submit SSO login token")
		http.Error(w, "Failed to complete login", http.StatusInternalServerError)
	}
}
