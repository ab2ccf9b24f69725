package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cipherpost/cipherpost-server/internal/storage"
)

func (s *Store) InsertMessage(ctx context.Context, in storage.NewMessage) (storage.Message, error) {
	out := storage.Message{
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		Payload:     in.Payload,
		ContentHash: in.ContentHash,
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO messages (sender_id, receiver_id, payload, content_hash, created_at)
VALUES ($1, $2, $3, $4, NOW())
RETURNING id, created_at
`, in.SenderID, in.ReceiverID, in.Payload, in.ContentHash).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if isFKViolationFor(err, "sender_id") || isFKViolationFor(err, "receiver_id") {
			return storage.Message{}, storage.ErrUnknownUser
		}
		return storage.Message{}, err
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (storage.Message, bool, error) {
	var out storage.Message
	var next *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, sender_id, receiver_id, payload, content_hash, COALESCE(ledger_tx_ref, ''),
       anchor_attempts, next_anchor_at, COALESCE(last_anchor_error, ''), needs_review, created_at
FROM messages
WHERE id = $1
`, id).Scan(
		&out.ID, &out.SenderID, &out.ReceiverID, &out.Payload, &out.ContentHash, &out.LedgerTxRef,
		&out.AnchorAttempts, &next, &out.LastAnchorError, &out.NeedsReview, &out.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if next != nil {
		t := next.UTC()
		out.NextAnchorAt = &t
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, true, nil
}

func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func (s *Store) AttachLedgerRef(ctx context.Context, id int64, txRef string) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
UPDATE messages
SET ledger_tx_ref = $2,
    last_anchor_error = '',
    next_anchor_at = NULL,
    needs_review = FALSE
WHERE id = $1 AND ledger_tx_ref IS NULL
`, id, txRef)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Store) ListUnanchored(ctx context.Context, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, sender_id, receiver_id, payload, content_hash, COALESCE(ledger_tx_ref, ''),
       anchor_attempts, next_anchor_at, COALESCE(last_anchor_error, ''), needs_review, created_at
FROM messages
WHERE ledger_tx_ref IS NULL
  AND needs_review = FALSE
  AND (next_anchor_at IS NULL OR next_anchor_at <= NOW())
ORDER BY created_at ASC, id ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.Message, 0)
	for rows.Next() {
		var item storage.Message
		var next *time.Time
		if err := rows.Scan(
			&item.ID, &item.SenderID, &item.ReceiverID, &item.Payload, &item.ContentHash, &item.LedgerTxRef,
			&item.AnchorAttempts, &next, &item.LastAnchorError, &item.NeedsReview, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		if next != nil {
			t := next.UTC()
			item.NextAnchorAt = &t
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkAnchorRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE messages
SET anchor_attempts = $2,
    last_anchor_error = $3,
    next_anchor_at = $4
WHERE id = $1 AND ledger_tx_ref IS NULL
`, id, attempts, lastError, nextAttempt.UTC())
	return err
}

func (s *Store) MarkNeedsReview(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE messages
SET anchor_attempts = $2,
    last_anchor_error = $3,
    next_anchor_at = NULL,
    needs_review = TRUE
WHERE id = $1 AND ledger_tx_ref IS NULL
`, id, attempts, lastError)
	return err
}
