// Package services – DispatchWorker
//
// This file runs the dispatcher as a periodic background task on a fixed
// interval. One pass at a time: each tick gets a context bounded by the
// interval so a slow provider cannot let passes pile up.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// WorkerConfig controls the background dispatch loop.
type WorkerConfig struct {
	// Interval between passes. Values <= 0 default to 60s.
	Interval time.Duration
	// BatchLimit caps messages per pass. Values <= 0 default to 50.
	BatchLimit int
}

// DispatchWorker drives Dispatcher.ProcessPending on a schedule.
type DispatchWorker struct {
	dispatcher *Dispatcher
	cron       *cron.Cron
	cfg        WorkerConfig
}

// NewDispatchWorker wires a worker around the given dispatcher.
func NewDispatchWorker(d *Dispatcher, cfg WorkerConfig) *DispatchWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}

	w := &DispatchWorker{
		dispatcher: d,
		cfg:        cfg,
		cron:       cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %s", cfg.Interval)
	_, err := w.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()

		rep, err := w.dispatcher.ProcessPending(ctx, cfg.BatchLimit)
		if err != nil {
			log.Error().Err(err).Msg("dispatch pass failed")
			return
		}
		if rep.Processed > 0 || rep.Requeued > 0 {
			log.Info().
				Int("processed", rep.Processed).
				Int("sent", rep.Sent).
				Int("failed", rep.Failed).
				Int("cancelled", rep.Cancelled).
				Int("deferred", rep.Deferred).
				Int("requeued", rep.Requeued).
				Msg("dispatch pass")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule).Msg("dispatch schedule rejected")
	}

	return w
}

// Start launches the schedule. Safe to call once.
func (w *DispatchWorker) Start() {
	if w == nil || w.cron == nil {
		return
	}
	w.cron.Start()
	log.Info().Dur("interval", w.cfg.Interval).Int("batch_limit", w.cfg.BatchLimit).Msg("dispatch worker started")
}

// Stop halts the schedule and waits for an in-flight pass to finish, bounded
// by ctx.
func (w *DispatchWorker) Stop(ctx context.Context) {
	if w == nil || w.cron == nil {
		return
	}
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	log.Info().Msg("dispatch worker stopped")
}
