// Copyright 2024-2026 Aiku AI

// Package shutdown runs the ordered teardown of the relay.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// Stage is one step of the teardown. Run receives a context bounded by
// Timeout when it is set.
type Stage struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Coordinator runs its stages once, in order. A failing or timed out stage
// does not prevent the following stages from running.
type Coordinator struct {
	stages []Stage
	log    zerolog.Logger

	once sync.Once
	err  error
	done *exsync.Event
}

func New(log zerolog.Logger, stages ...Stage) *Coordinator {
	return &Coordinator{
		stages: stages,
		log:    log.With().Str("component", "shutdown").Logger(),
		done:   exsync.NewEvent(),
	}
}

// Shutdown runs the stages. Concurrent and repeated calls wait for the single
// run and return its result. ctx bounds the whole sequence.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		defer c.done.Set()
		c.err = c.run(ctx)
	})
	return c.err
}

// Done is closed once every stage has finished.
func (c *Coordinator) Done() exsync.EventChan {
	return c.done.GetChan()
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()
	c.log.Info().Int("stages", len(c.stages)).Msg("Shutting down")
	var errs []error
	for _, stage := range c.stages {
		if err := c.runStage(ctx, stage); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", stage.Name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Shutdown finished with errors")
	} else {
		c.log.Info().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	}
	return err
}

func (c *Coordinator) runStage(ctx context.Context, stage Stage) (err error) {
	log := c.log.With().Str("stage", stage.Name).Logger()
	stageCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- stage.Run(stageCtx)
	}()

	select {
	case err = <-done:
	case <-stageCtx.Done():
		// The stage ignored its context; leave it behind.
		err = stageCtx.Err()
	}
	if err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Shutdown stage failed")
	} else {
		log.Debug().Dur("duration", time.Since(start)).Msg("Shutdown stage finished")
	}
	return err
}
