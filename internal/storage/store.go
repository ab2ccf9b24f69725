package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownUser = errors.New("unknown user")
)

// User is a registered identity. Credentials never leave the auth service;
// the delivery server only needs the directory row.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Message is the durable record of one relayed payload. LedgerTxRef is empty
// until a notarization attempt succeeds; it is written at most once.
type Message struct {
	ID              int64
	SenderID        int64
	ReceiverID      int64
	Payload         string
	ContentHash     string
	LedgerTxRef     string
	AnchorAttempts  int
	NextAnchorAt    *time.Time
	LastAnchorError string
	NeedsReview     bool
	CreatedAt       time.Time
}

// Anchored reports whether the message carries a ledger reference.
func (m Message) Anchored() bool {
	return m.LedgerTxRef != ""
}

type NewMessage struct {
	SenderID    int64
	ReceiverID  int64
	Payload     string
	ContentHash string
}

type Store interface {
	Close()

	GetUser(ctx context.Context, id int64) (User, bool, error)

	InsertMessage(ctx context.Context, in NewMessage) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, bool, error)
	CountMessages(ctx context.Context) (int, error)

	// AttachLedgerRef records the ledger reference for a message that does not
	// have one yet. It reports false when another writer got there first.
	AttachLedgerRef(ctx context.Context, id int64, txRef string) (bool, error)

	// ListUnanchored returns messages still awaiting a ledger reference whose
	// retry window has opened, oldest first. Rows flagged for review are
	// excluded.
	ListUnanchored(ctx context.Context, limit int) ([]Message, error)

	MarkAnchorRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
	MarkNeedsReview(ctx context.Context, id int64, attempts int, lastError string) error
}
