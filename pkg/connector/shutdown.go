// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/mautrix-mattermost-relay/pkg/database"
	"github.com/aiku/mautrix-mattermost-relay/pkg/shutdown"
)

// stages returns the teardown order: intake first, stores last.
func (r *Relay) stages() []shutdown.Stage {
	stageTimeout := r.Config.Shutdown.StageTimeout
	return []shutdown.Stage{
		{
			Name: "stop_intake",
			Run: func(context.Context) error {
				if r.gateway != nil {
					r.gateway.Close()
				}
				if r.stopListener != nil {
					r.stopListener()
				}
				r.router.Close()
				return nil
			},
		},
		{
			Name:    "drain_router",
			Timeout: r.Config.Shutdown.GracePeriod,
			Run: func(ctx context.Context) error {
				defer func() {
					if r.stopRouter != nil {
						r.stopRouter()
					}
				}()
				return r.router.Drain(ctx)
			},
		},
		{
			Name:    "save_credentials",
			Timeout: stageTimeout,
			Run:     r.manager.FlushCredentials,
		},
		{
			Name:    "close_primary",
			Timeout: stageTimeout,
			Run:     r.manager.Shutdown,
		},
		{
			Name:    "close_api",
			Timeout: stageTimeout,
			Run:     r.server.Shutdown,
		},
		{
			Name:    "close_stores",
			Timeout: stageTimeout,
			Run:     r.closeStores,
		},
	}
}

func (r *Relay) closeStores(ctx context.Context) error {
	var errs []error
	if r.mappings != nil {
		errs = append(errs, r.mappings.Close(ctx))
	}
	if r.creds != nil {
		errs = append(errs, r.creds.Close())
	}
	if r.syncState != nil {
		errs = append(errs, r.syncState.Close())
	}
	if r.db != nil {
		errs = append(errs, database.CloseSQLite(r.db))
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	return errors.Join(errs...)
}

func (r *Relay) shutdownTimeout() time.Duration {
	return r.Config.Shutdown.GracePeriod + 5*r.Config.Shutdown.StageTimeout + 5*time.Second
}
