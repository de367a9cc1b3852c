// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
	"github.com/aiku/mautrix-mattermost-relay/pkg/database"
	"github.com/aiku/mautrix-mattermost-relay/pkg/mapping"
	"github.com/aiku/mautrix-mattermost-relay/pkg/matrix"
	"github.com/aiku/mautrix-mattermost-relay/pkg/mattermost"
	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
	"github.com/aiku/mautrix-mattermost-relay/pkg/shutdown"
)

// Relay wires the Matrix connection, the router and the Mattermost bot
// together and owns their lifecycle.
type Relay struct {
	Config *Config
	Log    zerolog.Logger

	db    *gorm.DB
	redis *redis.Client

	creds     credential.Store
	syncState credential.Store
	mappings  mapping.Store
	transport *matrix.Transport
	manager   *connection.Manager
	mm        *mattermost.Client
	router    *router.Router
	gateway   *mattermost.Gateway
	listener  *mattermost.Listener
	server    *http.Server
	shutdown  *shutdown.Coordinator

	stopListener context.CancelFunc
	stopRouter   context.CancelFunc
}

func New(cfg *Config, log zerolog.Logger) *Relay {
	return &Relay{Config: cfg, Log: log}
}

// Init opens the stores and builds every component without connecting.
func (r *Relay) Init(ctx context.Context) error {
	cfg := r.Config
	if err := r.openBackends(ctx); err != nil {
		return err
	}
	var err error
	r.creds, err = credential.New(cfg.credentialConfig(), credential.Dependencies{SQLiteDB: r.db, Redis: r.redis})
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	r.mappings, err = mapping.New(cfg.mappingConfig(), mapping.Dependencies{SQLiteDB: r.db, Redis: r.redis})
	if err != nil {
		return fmt.Errorf("failed to create mapping store: %w", err)
	}

	r.syncState, err = credential.New(cfg.syncStateConfig(), credential.Dependencies{SQLiteDB: r.db, Redis: r.redis})
	if err != nil {
		return fmt.Errorf("failed to create sync state store: %w", err)
	}

	r.transport = matrix.NewTransport(cfg.matrixConfig(), r.syncState, r.Log)
	r.manager = connection.New(r.transport, r.creds, cfg.connectionConfig(), connection.WithLogger(r.Log))
	r.mm = mattermost.NewClient(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, r.Log)
	r.router, err = router.New(r.manager, r.mm, r.mappings, cfg.routerConfig(), router.WithLogger(r.Log))
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	echo := mattermost.EchoFilter{BotPrefix: cfg.Mattermost.BotPrefix, SelfID: r.mm.UserID}
	switch cfg.Mattermost.Ingestion {
	case IngestWebSocket:
		r.listener = mattermost.NewListener(r.mm, r.router, mattermost.ListenerConfig{
			Channel:        cfg.Mattermost.Channel,
			Echo:           echo,
			ReconnectDelay: cfg.Mattermost.ReconnectDelay,
		}, r.Log)
	default:
		r.gateway = mattermost.NewGateway(mattermost.GatewayConfig{
			Token:   cfg.Mattermost.WebhookToken,
			Secret:  cfg.Mattermost.WebhookSecret,
			Channel: cfg.Mattermost.Channel,
			Echo:    echo,
		}, r.router, r.Log)
	}

	r.server = &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      r.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	r.shutdown = shutdown.New(r.Log, r.stages()...)
	return nil
}

func (r *Relay) openBackends(ctx context.Context) error {
	var err error
	switch r.Config.Store.Driver {
	case credential.DriverSQLite:
		r.db, err = database.OpenSQLite(r.Config.Store.SQLite, r.Log)
	case credential.DriverRedis:
		r.redis, err = database.OpenRedis(ctx, r.Config.Store.Redis)
	}
	return err
}

// Handler returns the HTTP handler serving the admin API and the webhook.
func (r *Relay) Handler() http.Handler {
	api := &adminAPI{
		conn:       r.manager,
		sso:        r.transport,
		stats:      r.router,
		adminToken: r.Config.API.AdminToken,
	}
	if r.gateway != nil {
		api.webhook = r.gateway
	}
	return api.routes(r.Log)
}

// Run connects both sides and blocks until ctx is cancelled and the
// shutdown sequence has finished.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.mm.Connect(ctx); err != nil {
		return err
	}
	// The manager and the router must outlive ctx so that shutdown can drain
	// them and save the final credentials.
	base := r.Log.WithContext(context.WithoutCancel(ctx))
	if err := r.manager.Start(base); err != nil {
		return err
	}
	routerCtx, stopRouter := context.WithCancel(base)
	listenerCtx, stopListener := context.WithCancel(base)
	r.stopRouter, r.stopListener = stopRouter, stopListener

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.router.Run(routerCtx, r.manager.Messages())
		return nil
	})
	if r.listener != nil {
		g.Go(func() error {
			return r.listener.Run(listenerCtx)
		})
	}
	g.Go(func() error {
		r.Log.Info().Str("addr", r.server.Addr).Msg("Starting relay API")
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay API failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.watchConnection(gctx)
		return nil
	})
	g.Go(func() error {
		r.sweepMappings(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(base, r.shutdownTimeout())
		defer cancel()
		return r.shutdown.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown runs the shutdown sequence directly, for callers that do not
// cancel Run's context.
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.shutdown.Shutdown(ctx)
}

// Done is closed once the shutdown sequence has finished.
func (r *Relay) Done() exsync.EventChan {
	return r.shutdown.Done()
}

func (r *Relay) watchConnection(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-r.manager.Challenges():
			r.Log.Warn().
				Str("kind", ch.Kind).
				Str("url", ch.Payload).
				Time("expires_at", ch.ExpiresAt).
				Msg("Matrix login required, open the URL or GET /api/auth/challenge")
		case f := <-r.manager.Fatal():
			r.Log.Error().
				Err(f.Err).
				Str("reason", f.Reason).
				Msg("Matrix connection stopped permanently, POST /api/auth/reauthenticate to log in again")
		}
	}
}

func (r *Relay) sweepMappings(ctx context.Context) {
	ticker := time.NewTicker(r.Config.Store.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.mappings.CleanupExpired(ctx); err != nil {
				r.Log.Warn().Err(err).Msg("Failed to clean up expired mappings")
			}
		}
	}
}
