// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

const maxWebhookBody = 1 << 20

// Dispatcher accepts updates for background routing.
type Dispatcher interface {
	Dispatch(upd router.Update) error
}

type GatewayConfig struct {
	// Token is the outgoing webhook token Mattermost sends with every request.
	Token string
	// Secret, when set, must match the {secret} path segment.
	Secret string
	// Channel restricts ingestion to one channel when set.
	Channel string
	Echo    EchoFilter
}

// Gateway receives Mattermost outgoing webhook calls. It answers without
// calling back into Mattermost: the payload lacks the thread root, so the
// router resolves it in the background.
type Gateway struct {
	cfg        GatewayConfig
	dispatcher Dispatcher
	log        zerolog.Logger
	closed     atomic.Bool
}

// NewGateway creates a webhook gateway.
func NewGateway(cfg GatewayConfig, dispatcher Dispatcher, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "webhook_gateway").Logger(),
	}
}

// Close stops accepting requests. Later requests get 503.
func (g *Gateway) Close() {
	g.closed.Store(true)
}

type webhookResponse struct{}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	if log.GetLevel() == zerolog.Disabled {
		log = &g.log
	}
	if g.closed.Load() {
		g.reply(w, http.StatusServiceUnavailable, resultUnavailable)
		return
	}
	if g.cfg.Secret != "" && !equal(r.PathValue("secret"), g.cfg.Secret) {
		g.reply(w, http.StatusNotFound, resultForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := decodePayload(r)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected malformed webhook payload")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.reply(w, http.StatusRequestEntityTooLarge, resultInvalid)
		} else {
			g.reply(w, http.StatusBadRequest, resultInvalid)
		}
		return
	}
	if g.cfg.Token == "" || !equal(payload.Token, g.cfg.Token) {
		g.reply(w, http.StatusUnauthorized, resultUnauthorized)
		return
	}
	if payload.PostId == "" || payload.ChannelId == "" {
		g.reply(w, http.StatusBadRequest, resultInvalid)
		return
	}
	if g.cfg.Channel != "" && payload.ChannelId != g.cfg.Channel {
		g.reply(w, http.StatusOK, resultIgnored)
		return
	}
	if g.cfg.Echo.Skip(payload.UserId, payload.UserName, "") {
		log.Debug().Str("post_id", payload.PostId).Msg("Skipping own or bridge post (echo prevention)")
		g.reply(w, http.StatusOK, resultIgnored)
		return
	}

	upd := router.Update{
		MessageID:        payload.PostId,
		ChatID:           payload.ChannelId,
		Text:             payload.Text,
		SenderName:       payload.UserName,
		ThreadUnresolved: true,
	}
	if err = g.dispatcher.Dispatch(upd); err != nil {
		log.Warn().Err(err).Str("post_id", payload.PostId).Msg("Router refused update")
		g.reply(w, http.StatusServiceUnavailable, resultUnavailable)
		return
	}
	log.Debug().
		Str("post_id", payload.PostId).
		Str("trace_id", uuid.NewString()).
		Msg("Accepted webhook update")
	g.reply(w, http.StatusOK, resultAccepted)
}

func (g *Gateway) reply(w http.ResponseWriter, status int, result string) {
	webhookRequestsTotal.WithLabelValues(result).Inc()
	exhttp.WriteJSONResponse(w, status, webhookResponse{})
}

func decodePayload(r *http.Request) (*model.OutgoingWebhookPayload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var payload model.OutgoingWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, err
		}
		return &payload, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &model.OutgoingWebhookPayload{
		Token:       r.PostForm.Get("token"),
		TeamId:      r.PostForm.Get("team_id"),
		ChannelId:   r.PostForm.Get("channel_id"),
		ChannelName: r.PostForm.Get("channel_name"),
		UserId:      r.PostForm.Get("user_id"),
		UserName:    r.PostForm.Get("user_name"),
		PostId:      r.PostForm.Get("post_id"),
		Text:        r.PostForm.Get("text"),
		TriggerWord: r.PostForm.Get("trigger_word"),
	}, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
