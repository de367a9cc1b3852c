// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

type ListenerConfig struct {
	// Channel restricts ingestion to one channel when set.
	Channel string
	Echo    EchoFilter
	// ReconnectDelay is the pause between websocket reconnects.
	ReconnectDelay time.Duration
}

// Listener ingests posts from the Mattermost websocket API.
type Listener struct {
	client     *Client
	dispatcher Dispatcher
	cfg        ListenerConfig
	log        zerolog.Logger
}

// NewListener creates a websocket listener for the client's account.
func NewListener(client *Client, dispatcher Dispatcher, cfg ListenerConfig, log zerolog.Logger) *Listener {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Listener{
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With().Str("component", "mm_websocket").Logger(),
	}
}

// Run listens until ctx is cancelled, reconnecting after disconnects.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn().Err(err).Dur("delay", l.cfg.ReconnectDelay).Msg("WebSocket disconnected, reconnecting")
		websocketReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	wsURL := httpToWS(l.client.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, l.client.api.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	defer ws.Close()
	ws.Listen()
	l.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return fmt.Errorf("websocket event channel closed")
			}
			if evt == nil || evt.EventType() != model.WebsocketEventPosted {
				continue
			}
			l.handlePosted(evt)
		}
	}
}

func (l *Listener) handlePosted(evt *model.WebSocketEvent) {
	upd, ok, err := l.parsePosted(evt)
	if err != nil {
		l.log.Err(err).Msg("Failed to parse posted event")
		return
	}
	if !ok {
		return
	}
	if err = l.dispatcher.Dispatch(upd); err != nil {
		l.log.Warn().Err(err).Str("post_id", upd.MessageID).Msg("Router refused update")
	}
}

// parsePosted extracts an update from a posted event, applying echo
// prevention. ok is false for posts that must be skipped.
func (l *Listener) parsePosted(evt *model.WebSocketEvent) (router.Update, bool, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return router.Update{}, false, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return router.Update{}, false, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if l.cfg.Channel != "" && post.ChannelId != l.cfg.Channel {
		return router.Update{}, false, nil
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if l.cfg.Echo.Skip(post.UserId, senderName, string(post.Type)) {
		l.log.Debug().Str("post_id", post.Id).Str("user_id", post.UserId).Msg("Skipping post (echo prevention)")
		return router.Update{}, false, nil
	}
	return router.Update{
		MessageID:          post.Id,
		ChatID:             post.ChannelId,
		Text:               post.Message,
		RepliedToMessageID: post.RootId,
		SenderName:         senderName,
	}, true, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
