package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cipherpost/cipherpost-server/internal/storage"
)

// Sweeper re-drives notarization for messages that never got a ledger
// reference: inline attempts that failed, scheduling drops, or crashes
// between persist and anchor. It shares the notary's attempt bookkeeping,
// so a message flagged for review stops being selected.
type Sweeper struct {
	store     storage.Store
	notary    *Notary
	batchSize int
	logger    *slog.Logger
}

type SweepStats struct {
	Scanned         int
	Anchored        int
	AlreadyAnchored int
	Deferred        int
	NeedsReview     int
	Failed          int
}

func NewSweeper(store storage.Store, notary *Notary, batchSize int, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if notary == nil {
		return nil, errors.New("notary is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		store:     store,
		notary:    notary,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Sweep processes one batch, oldest first, sequentially. Ledger outages cost
// one failed attempt per message and the batch keeps going; only a storage
// failure on the batch query aborts.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	items, err := s.store.ListUnanchored(ctx, s.batchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		outcome, err := s.notary.Notarize(ctx, item.ID)
		if err != nil {
			stats.Failed++
			s.logger.Error("sweep item failed",
				slog.Int64("message_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch outcome.Status {
		case OutcomeAnchored:
			stats.Anchored++
		case OutcomeAlreadyAnchored:
			stats.AlreadyAnchored++
		case OutcomeDeferred:
			stats.Deferred++
		case OutcomeNeedsReview:
			stats.NeedsReview++
		}
	}
	return stats, nil
}

// Run sweeps on the cron schedule until the context is canceled. One sweep
// runs immediately at startup so a backlog does not wait for the first tick.
func (s *Sweeper) Run(ctx context.Context, sched cron.Schedule) error {
	s.runOnce(ctx)

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if stats.Scanned == 0 {
		return
	}
	s.logger.Info("sweep complete",
		slog.Int("scanned", stats.Scanned),
		slog.Int("anchored", stats.Anchored),
		slog.Int("already_anchored", stats.AlreadyAnchored),
		slog.Int("deferred", stats.Deferred),
		slog.Int("needs_review", stats.NeedsReview),
		slog.Int("failed", stats.Failed),
	)
}
