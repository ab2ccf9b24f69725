package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

// Notarize outcomes. Deferred and needs_review both leave the message
// unanchored; only needs_review removes it from sweep selection.
const (
	OutcomeAnchored        = "anchored"
	OutcomeAlreadyAnchored = "already_anchored"
	OutcomeDeferred        = "deferred"
	OutcomeNeedsReview     = "needs_review"
	OutcomeMissing         = "missing"
)

type NotarizeOutcome struct {
	Status string
	TxRef  string
}

// Notary registers message content hashes on the ledger and attaches the
// resulting transaction reference exactly once. Duplicate suppression rests
// on the conditional reference update, not on in-memory state; the
// singleflight group only keeps concurrent triggers for the same message
// from burning ledger calls.
type Notary struct {
	store       storage.Store
	ledger      ledger.Client
	logger      *slog.Logger
	queue       chan int64
	workers     int
	maxAttempts int
	maxBackoff  time.Duration

	flights singleflight.Group

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
}

type NotaryParams struct {
	Store       storage.Store
	Ledger      ledger.Client
	Logger      *slog.Logger
	Workers     int
	QueueSize   int
	MaxAttempts int
	MaxBackoff  time.Duration
}

func NewNotary(params NotaryParams) (*Notary, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Workers <= 0 {
		params.Workers = 4
	}
	if params.QueueSize <= 0 {
		params.QueueSize = 256
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 10
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 10 * time.Minute
	}
	return &Notary{
		store:       params.Store,
		ledger:      params.Ledger,
		logger:      params.Logger,
		queue:       make(chan int64, params.QueueSize),
		workers:     params.Workers,
		maxAttempts: params.MaxAttempts,
		maxBackoff:  params.MaxBackoff,
	}, nil
}

// Start launches the worker pool. Workers drain the schedule queue until the
// context is canceled.
func (n *Notary) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		n.cancel = cancel
		g, gctx := errgroup.WithContext(runCtx)
		n.group = g
		for i := 0; i < n.workers; i++ {
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case id := <-n.queue:
						if _, err := n.Notarize(gctx, id); err != nil {
							n.logger.Error("notarization failed",
								slog.Int64("message_id", id),
								slog.String("error", err.Error()),
							)
						}
					}
				}
			})
		}
	})
}

// Stop cancels the workers and waits for in-flight attempts to finish.
func (n *Notary) Stop() error {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
	})
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

// Schedule enqueues a message id for background notarization. It never
// blocks; a full queue reports false and the caller relies on the
// reconciliation sweep.
func (n *Notary) Schedule(id int64) bool {
	select {
	case n.queue <- id:
		return true
	default:
		return false
	}
}

// QueueDepth reports how many scheduled ids await a worker.
func (n *Notary) QueueDepth() int {
	return len(n.queue)
}

// Notarize runs one anchoring attempt for the message. Concurrent calls for
// the same id share a single attempt and its outcome.
func (n *Notary) Notarize(ctx context.Context, id int64) (NotarizeOutcome, error) {
	v, err, _ := n.flights.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return n.notarizeOnce(ctx, id)
	})
	if err != nil {
		return NotarizeOutcome{}, err
	}
	return v.(NotarizeOutcome), nil
}

func (n *Notary) notarizeOnce(ctx context.Context, id int64) (NotarizeOutcome, error) {
	msg, ok, err := n.store.GetMessage(ctx, id)
	if err != nil {
		return NotarizeOutcome{}, fmt.Errorf("load message %d: %w", id, err)
	}
	if !ok {
		n.logger.Warn("notarize target missing", slog.Int64("message_id", id))
		return NotarizeOutcome{Status: OutcomeMissing}, nil
	}
	if msg.Anchored() {
		return NotarizeOutcome{Status: OutcomeAlreadyAnchored, TxRef: msg.LedgerTxRef}, nil
	}

	txRef, err := n.ledger.Submit(ctx, msg.ContentHash)
	if err != nil {
		return n.recordFailure(ctx, msg, err)
	}

	attached, err := n.store.AttachLedgerRef(ctx, msg.ID, txRef)
	if err != nil {
		return NotarizeOutcome{}, fmt.Errorf("attach ledger ref to message %d: %w", msg.ID, err)
	}
	if !attached {
		// Another writer anchored the row between our read and the update.
		n.logger.Info("ledger ref already attached",
			slog.Int64("message_id", msg.ID),
			slog.String("tx_ref", txRef),
		)
		return NotarizeOutcome{Status: OutcomeAlreadyAnchored}, nil
	}
	n.logger.Info("message anchored",
		slog.Int64("message_id", msg.ID),
		slog.String("tx_ref", txRef),
	)
	return NotarizeOutcome{Status: OutcomeAnchored, TxRef: txRef}, nil
}

func (n *Notary) recordFailure(ctx context.Context, msg storage.Message, cause error) (NotarizeOutcome, error) {
	attempts := msg.AnchorAttempts + 1
	if attempts >= n.maxAttempts {
		if err := n.store.MarkNeedsReview(ctx, msg.ID, attempts, truncate(cause.Error(), 1500)); err != nil {
			return NotarizeOutcome{}, fmt.Errorf("flag message %d for review: %w", msg.ID, err)
		}
		n.logger.Error("anchor attempts exhausted; flagged for review",
			slog.Int64("message_id", msg.ID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		return NotarizeOutcome{Status: OutcomeNeedsReview}, nil
	}

	backoff := computeBackoff(attempts, n.maxBackoff)
	next := time.Now().UTC().Add(backoff)
	if err := n.store.MarkAnchorRetry(ctx, msg.ID, attempts, next, truncate(cause.Error(), 1500)); err != nil {
		return NotarizeOutcome{}, fmt.Errorf("schedule retry for message %d: %w", msg.ID, err)
	}
	n.logger.Warn("anchor attempt failed; retry scheduled",
		slog.Int64("message_id", msg.ID),
		slog.Int("attempts", attempts),
		slog.Duration("backoff", backoff),
		slog.String("error", cause.Error()),
	)
	return NotarizeOutcome{Status: OutcomeDeferred}, nil
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > max {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
