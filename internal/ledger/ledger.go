// Package ledger adapts the external notary ledger behind a narrow client
// interface so delivery and reconciliation code never see transport detail.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable covers transport failures and ledger-side outages. Callers
	// treat it as retryable.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrAlreadyRegistered means the content hash is present on the ledger but
	// the registering transaction reference is not recoverable through this
	// client.
	ErrAlreadyRegistered = errors.New("content hash already registered")

	// ErrRejected means the ledger refused the submission outright.
	ErrRejected = errors.New("ledger rejected submission")
)

const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// Record describes a registered content hash as the ledger reports it.
type Record struct {
	RegisteredAt time.Time
	Registrar    string
}

type Client interface {
	// Submit registers a content hash and returns the transaction reference.
	// A hash that is already on the ledger yields ErrAlreadyRegistered.
	Submit(ctx context.Context, contentHash string) (string, error)

	// Registered reports whether the content hash is on the ledger.
	Registered(ctx context.Context, contentHash string) (bool, error)

	// Info returns the registration record for a content hash, with ok=false
	// when the hash is not on the ledger.
	Info(ctx context.Context, contentHash string) (Record, bool, error)

	// TxStatus reports the confirmation state of a submitted transaction.
	TxStatus(ctx context.Context, txRef string) (string, error)
}
