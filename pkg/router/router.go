// Copyright 2024-2026 Aiku AI

// Package router forwards messages between the primary and secondary sides.
//
// Primary messages are posted to a single secondary destination and the
// resulting post id is mapped back to the originating conversation. Replies
// on the secondary side are routed through that mapping. Every send is
// guarded by the idempotency ledger, and sends for one conversation are
// serialized through that conversation's lane.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/mapping"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("router is closed")

// Primary is the router's view of the primary connection.
type Primary interface {
	Send(ctx context.Context, conversationID, text string) (messageID string, err error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
}

// Secondary is the router's view of the secondary bot API.
type Secondary interface {
	SendMessage(ctx context.Context, destination, text string) (messageID string, err error)
	// Notify posts a notice addressed to the author of upd.
	Notify(ctx context.Context, upd Update, text string) error
	// ThreadRoot returns the root of the thread messageID belongs to, empty
	// for a root message.
	ThreadRoot(ctx context.Context, messageID string) (string, error)
}

// Update is a normalized secondary-side message.
type Update struct {
	MessageID          string
	ChatID             string
	Text               string
	RepliedToMessageID string
	SenderName         string
	// ThreadUnresolved means the ingestion path did not know the thread
	// root. The router looks it up before routing.
	ThreadUnresolved bool
}

// IsReply reports whether the update answers an earlier message.
func (u Update) IsReply() bool {
	return u.RepliedToMessageID != ""
}

type Config struct {
	// Destination is where primary messages are posted.
	Destination string
	// FallbackConversation receives secondary messages that are not replies.
	// Empty means such messages only get an instructional notice.
	FallbackConversation string
	LedgerKeyFormat      string
	UnsupportedMarker    string
	SendTimeout          time.Duration
	StoreTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnsupportedMarker == "" {
		c.UnsupportedMarker = DefaultUnsupportedMarker
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) {
		r.log = log.With().Str("component", "router").Logger()
	}
}

// Stats counts routing outcomes since start.
type Stats struct {
	Forwarded   int64 `json:"forwarded"`
	Delivered   int64 `json:"delivered"`
	Duplicates  int64 `json:"duplicates"`
	NotFound    int64 `json:"not_found"`
	Instructed  int64 `json:"instructed"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
	ActiveLanes int   `json:"active_lanes"`
	Closed      bool  `json:"closed"`
}

type counters struct {
	forwarded, delivered, duplicates, notFound, instructed, failed, dropped atomic.Int64
}

type Router struct {
	primary   Primary
	secondary Secondary
	store     mapping.Store
	cfg       Config
	keys      *KeyFormat
	log       zerolog.Logger
	lanes     *lanes
	counters  counters

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a router.
func New(primary Primary, secondary Secondary, store mapping.Store, cfg Config, opts ...Option) (*Router, error) {
	cfg = cfg.withDefaults()
	if cfg.Destination == "" {
		return nil, fmt.Errorf("router destination is not configured")
	}
	keys, err := ParseKeyFormat(cfg.LedgerKeyFormat)
	if err != nil {
		return nil, err
	}
	r := &Router{
		primary:   primary,
		secondary: secondary,
		store:     store,
		cfg:       cfg,
		keys:      keys,
		log:       zerolog.Nop(),
		lanes:     newLanes(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func conversationLane(conversationID string) string {
	return "conversation:" + conversationID
}

func chatLane(chatID string) string {
	return "chat:" + chatID
}

// begin registers one unit of in-flight work. It fails once the router is closed.
func (r *Router) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Run forwards primary messages until ctx is done or msgs is closed. Messages
// of one conversation are forwarded in the order they arrive.
func (r *Router) Run(ctx context.Context, msgs <-chan connection.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !r.begin() {
				r.observe(directionPrimary, outcomeDropped)
				r.log.Warn().Str("message_id", msg.ID).Msg("Router is closed, dropping primary message")
				continue
			}
			r.lanes.submit(conversationLane(msg.ConversationID), func() {
				defer r.inflight.Done()
				if forwarded, _ := r.forwardPrimary(ctx, msg); forwarded {
					r.acknowledge(ctx, msg)
				}
			})
		}
	}
}

// HandlePrimary forwards one primary message and waits for the outcome.
func (r *Router) HandlePrimary(ctx context.Context, msg connection.Message) error {
	if !r.begin() {
		return ErrClosed
	}
	defer r.inflight.Done()
	log := r.log.With().
		Str("direction", directionPrimary).
		Str("message_id", msg.ID).
		Str("conversation_id", msg.ConversationID).
		Logger()
	var (
		secondaryID string
		err         error
	)
	// The lane covers the ledger check, the send and the ledger mark. The
	// mapping is written after the lane is released.
	r.lanes.do(conversationLane(msg.ConversationID), func() {
		secondaryID, err = r.forwardPrimary(ctx, log, msg)
	})
	if err != nil || secondaryID == "" {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.PutMapping(storeCtx, secondaryID, msg.ConversationID); err != nil {
		log.Err(err).Str("secondary_id", secondaryID).Msg("Failed to store reply mapping")
	}
	r.acknowledge(ctx, msg)
	return nil
}

// forwardPrimary returns the secondary message ID, or "" when msg was already
// forwarded.
func (r *Router) forwardPrimary(ctx context.Context, log zerolog.Logger, msg connection.Message) (string, error) {
	key := r.keys.Key(SourcePrimary, msg.ID)

	seen, err := r.isForwarded(ctx, key)
	if err != nil {
		r.observe(directionPrimary, outcomeFailed)
		log.Err(err).Msg("Failed to check ledger, not forwarding")
		return "", err
	} else if seen {
		r.observe(directionPrimary, outcomeDuplicate)
		log.Debug().Msg("Message was already forwarded")
		return "", nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	secondaryID, err := r.secondary.SendMessage(sendCtx, r.cfg.Destination, r.renderPrimary(msg))
	cancel()
	if err != nil {
		r.observe(directionPrimary, outcomeFailed)
		log.Err(err).Msg("Failed to forward message")
		return "", fmt.Errorf("failed to forward %s: %w", msg.ID, err)
	}

	if err := r.markForwarded(ctx, key); err != nil {
		log.Err(err).Msg("Failed to record forwarded message")
	}
	r.observe(directionPrimary, outcomeForwarded)
	log.Debug().Str("secondary_id", secondaryID).Msg("Forwarded message")
	return secondaryID, nil
}

// acknowledge sends a read receipt outside of the lane. Failures are logged only.
func (r *Router) acknowledge(ctx context.Context, msg connection.Message) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ackCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
		if err := r.primary.MarkRead(ackCtx, msg.ConversationID, msg.ID); err != nil {
			r.log.Debug().Err(err).Str("message_id", msg.ID).Msg("Failed to mark message as read")
		}
	}()
}

func (r *Router) renderPrimary(msg connection.Message) string {
	body := strings.TrimSpace(msg.Text)
	if msg.Kind != connection.ContentText || body == "" {
		body = r.cfg.UnsupportedMarker
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	return withSender(name, body)
}

func (r *Router) renderSecondary(upd Update) string {
	body := strings.TrimSpace(upd.Text)
	if body == "" {
		body = r.cfg.UnsupportedMarker
	}
	return withSender(upd.SenderName, body)
}

func withSender(name, body string) string {
	if name == "" {
		return body
	}
	return fmt.Sprintf("**%s**: %s", name, body)
}

// Dispatch routes a secondary update in the background. It only fails when
// the router no longer accepts work.
func (r *Router) Dispatch(upd Update) error {
	if !r.begin() {
		return ErrClosed
	}
	ctx := r.log.WithContext(context.Background())
	go func() {
		defer r.inflight.Done()
		_ = r.routeSecondary(ctx, upd)
	}()
	return nil
}

// HandleSecondary routes a secondary update and waits for the outcome.
func (r *Router) HandleSecondary(ctx context.Context, upd Update) error {
	if !r.begin() {
		return ErrClosed
	}
	defer r.inflight.Done()
	return r.routeSecondary(ctx, upd)
}

func (r *Router) routeSecondary(ctx context.Context, upd Update) error {
	log := r.log.With().
		Str("direction", directionSecondary).
		Str("trace_id", uuid.NewString()).
		Str("message_id", upd.MessageID).
		Str("chat_id", upd.ChatID).
		Logger()
	ctx = log.WithContext(ctx)
	key := r.keys.Key(SourceSecondary, upd.MessageID)

	if upd.ThreadUnresolved {
		lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		root, err := r.secondary.ThreadRoot(lookupCtx, upd.MessageID)
		cancel()
		if err != nil {
			r.observe(directionSecondary, outcomeFailed)
			log.Err(err).Msg("Failed to resolve thread root")
			return errors.Join(err, r.notify(ctx, upd, FailedNotice("the thread could not be looked up")))
		}
		upd.RepliedToMessageID = root
		upd.ThreadUnresolved = false
	}

	if !upd.IsReply() {
		if r.cfg.FallbackConversation == "" {
			return r.notifyOnce(ctx, key, upd, NoticeInstructions, outcomeInstructed)
		}
		return r.deliver(ctx, key, upd, r.cfg.FallbackConversation)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	conversationID, ok, err := r.store.GetMapping(lookupCtx, upd.RepliedToMessageID)
	cancel()
	if err != nil {
		r.observe(directionSecondary, outcomeFailed)
		log.Err(err).Str("replied_to", upd.RepliedToMessageID).Msg("Failed to look up reply mapping")
		return errors.Join(err, r.notify(ctx, upd, FailedNotice("the reply index is unavailable")))
	} else if !ok {
		log.Debug().Str("replied_to", upd.RepliedToMessageID).Msg("No mapping for reply")
		return r.notifyOnce(ctx, key, upd, NoticeMappingNotFound, outcomeNotFound)
	}
	return r.deliver(ctx, key, upd, conversationID)
}

// notifyOnce answers an update that is not sent anywhere, skipping
// redeliveries of an update that was already answered.
func (r *Router) notifyOnce(ctx context.Context, key string, upd Update, text, outcome string) error {
	log := zerolog.Ctx(ctx)
	var (
		seen      bool
		notifyErr error
	)
	// The notice is posted inside the lane so that a concurrent redelivery
	// sees the mark. The mark is only written once the notice is out.
	r.lanes.do(chatLane(upd.ChatID), func() {
		var ledgerErr error
		seen, ledgerErr = r.isForwarded(ctx, key)
		if seen {
			return
		} else if ledgerErr != nil {
			log.Warn().Err(ledgerErr).Msg("Ledger unavailable, answering without deduplication")
		}
		if notifyErr = r.notify(ctx, upd, text); notifyErr != nil || ledgerErr != nil {
			return
		}
		if err := r.markForwarded(ctx, key); err != nil {
			log.Err(err).Msg("Failed to record answered update")
		}
	})
	switch {
	case seen:
		r.observe(directionSecondary, outcomeDuplicate)
		log.Debug().Msg("Update was already answered")
		return nil
	case notifyErr != nil:
		r.observe(directionSecondary, outcomeFailed)
		return notifyErr
	default:
		r.observe(directionSecondary, outcome)
		return nil
	}
}

func (r *Router) deliver(ctx context.Context, key string, upd Update, conversationID string) error {
	log := zerolog.Ctx(ctx).With().Str("conversation_id", conversationID).Logger()
	var (
		seen      bool
		ledgerErr error
		sendErr   error
	)
	r.lanes.do(conversationLane(conversationID), func() {
		seen, ledgerErr = r.isForwarded(ctx, key)
		if ledgerErr != nil || seen {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
		if _, sendErr = r.primary.Send(sendCtx, conversationID, r.renderSecondary(upd)); sendErr != nil {
			return
		}
		if err := r.markForwarded(ctx, key); err != nil {
			log.Err(err).Msg("Failed to record delivered update")
		}
	})

	switch {
	case ledgerErr != nil:
		r.observe(directionSecondary, outcomeFailed)
		log.Err(ledgerErr).Msg("Failed to check ledger, not delivering")
		return errors.Join(ledgerErr, r.notify(ctx, upd, FailedNotice("the delivery ledger is unavailable")))
	case seen:
		r.observe(directionSecondary, outcomeDuplicate)
		log.Debug().Msg("Update was already delivered")
		return nil
	case sendErr != nil:
		r.observe(directionSecondary, outcomeFailed)
		log.Err(sendErr).Msg("Failed to deliver reply")
		return errors.Join(
			fmt.Errorf("failed to deliver %s: %w", upd.MessageID, sendErr),
			r.notify(ctx, upd, FailedNotice(failureReason(sendErr))),
		)
	default:
		r.observe(directionSecondary, outcomeDelivered)
		log.Debug().Msg("Delivered reply")
		return r.notify(ctx, upd, NoticeDelivered)
	}
}

func (r *Router) notify(ctx context.Context, upd Update, text string) error {
	notifyCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := r.secondary.Notify(notifyCtx, upd, text); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to post notice")
		return fmt.Errorf("failed to post notice: %w", err)
	}
	return nil
}

func (r *Router) isForwarded(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.IsForwarded(ctx, key)
}

func (r *Router) markForwarded(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.MarkForwarded(ctx, key)
}

// Close stops accepting new work. Work already accepted keeps running.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.log.Info().Msg("Router stopped accepting work")
	}
}

// Drain waits for accepted work to finish or for ctx to end.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router drain interrupted: %w", ctx.Err())
	}
}

func (r *Router) observe(direction, outcome string) {
	routedTotal.WithLabelValues(direction, outcome).Inc()
	switch outcome {
	case outcomeForwarded:
		r.counters.forwarded.Add(1)
	case outcomeDelivered:
		r.counters.delivered.Add(1)
	case outcomeDuplicate:
		r.counters.duplicates.Add(1)
	case outcomeNotFound:
		r.counters.notFound.Add(1)
	case outcomeInstructed:
		r.counters.instructed.Add(1)
	case outcomeFailed:
		r.counters.failed.Add(1)
	case outcomeDropped:
		r.counters.dropped.Add(1)
	}
}

// Stats returns the outcome counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	return Stats{
		Forwarded:   r.counters.forwarded.Load(),
		Delivered:   r.counters.delivered.Load(),
		Duplicates:  r.counters.duplicates.Load(),
		NotFound:    r.counters.notFound.Load(),
		Instructed:  r.counters.instructed.Load(),
		Failed:      r.counters.failed.Load(),
		Dropped:     r.counters.dropped.Load(),
		ActiveLanes: r.lanes.active(),
		Closed:      closed,
	}
}
