// Copyright 2024-2026 Aiku AI

// Package mattermost implements the secondary side of the relay: a bot that
// posts into a Mattermost channel and receives replies through an outgoing
// webhook or the websocket API.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

// Client is the relay bot's Mattermost API client.
type Client struct {
	api       *model.Client4
	serverURL string
	log       zerolog.Logger

	mu       sync.RWMutex
	userID   string
	username string
}

var _ router.Secondary = (*Client)(nil)

// NewClient creates a client authenticated with a bot or personal access token.
func NewClient(serverURL, token string, log zerolog.Logger) *Client {
	serverURL = strings.TrimSuffix(serverURL, "/")
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(token)
	return &Client{
		api:       api,
		serverURL: serverURL,
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the token and remembers the bot's own identity for echo
// prevention.
func (c *Client) Connect(ctx context.Context) error {
	me, _, err := c.api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost token: %w", err)
	}
	c.mu.Lock()
	c.userID = me.Id
	c.username = me.Username
	c.mu.Unlock()
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// UserID returns the bot's user ID, empty before Connect.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the bot's username, empty before Connect.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// SendMessage posts text into the destination channel and returns the post ID.
func (c *Client) SendMessage(ctx context.Context, destination, text string) (string, error) {
	post, _, err := c.api.CreatePost(ctx, &model.Post{
		ChannelId: destination,
		Message:   text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	if post == nil || post.Id == "" {
		return "", errors.New("server returned a post without an ID")
	}
	return post.Id, nil
}

// Notify answers upd in its thread. When the thread of upd is unknown and
// Mattermost refuses its post as a root, the notice is posted to the channel
// addressed to the sender.
func (c *Client) Notify(ctx context.Context, upd router.Update, text string) error {
	_, _, err := c.api.CreatePost(ctx, &model.Post{
		ChannelId: upd.ChatID,
		RootId:    threadRoot(upd),
		Message:   text,
	})
	if err != nil && upd.ThreadUnresolved && upd.SenderName != "" {
		c.log.Debug().Err(err).Str("post_id", upd.MessageID).Msg("Threaded notice refused, addressing sender in channel")
		_, _, err = c.api.CreatePost(ctx, &model.Post{
			ChannelId: upd.ChatID,
			Message:   "@" + upd.SenderName + " " + text,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to post notice: %w", err)
	}
	return nil
}

// threadRoot returns the root post of the thread upd belongs to. Mattermost
// only accepts root posts as RootId.
func threadRoot(upd router.Update) string {
	if upd.RepliedToMessageID != "" {
		return upd.RepliedToMessageID
	}
	return upd.MessageID
}

// ThreadRoot resolves the root post ID of postID, empty for root posts.
func (c *Client) ThreadRoot(ctx context.Context, postID string) (string, error) {
	post, _, err := c.api.GetPost(ctx, postID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get post %s: %w", postID, err)
	}
	return post.RootId, nil
}
