package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory storage.Store with the same conditional-update
// semantics as the postgres implementation.
type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]storage.User
	messages map[int64]*storage.Message
	nextID   int64

	insertErr error
	getErr    error
	attachErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[int64]storage.User),
		messages: make(map[int64]*storage.Message),
	}
}

func (s *fakeStore) addUser(id int64, username string) storage.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := storage.User{ID: id, Username: username, CreatedAt: time.Now().UTC()}
	s.users[id] = u
	return u
}

func (s *fakeStore) addMessage(msg storage.Message) storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := msg
	s.messages[msg.ID] = &stored
	return msg
}

func (s *fakeStore) message(id int64) storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *fakeStore) Close() {}

func (s *fakeStore) GetUser(_ context.Context, id int64) (storage.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, in storage.NewMessage) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return storage.Message{}, s.insertErr
	}
	if _, ok := s.users[in.SenderID]; !ok {
		return storage.Message{}, storage.ErrUnknownUser
	}
	if _, ok := s.users[in.ReceiverID]; !ok {
		return storage.Message{}, storage.ErrUnknownUser
	}
	s.nextID++
	msg := storage.Message{
		ID:          s.nextID,
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		Payload:     in.Payload,
		ContentHash: in.ContentHash,
		CreatedAt:   time.Now().UTC(),
	}
	stored := msg
	s.messages[msg.ID] = &stored
	return msg, nil
}

func (s *fakeStore) GetMessage(_ context.Context, id int64) (storage.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return storage.Message{}, false, s.getErr
	}
	msg, ok := s.messages[id]
	if !ok {
		return storage.Message{}, false, nil
	}
	return *msg, true, nil
}

func (s *fakeStore) CountMessages(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

func (s *fakeStore) AttachLedgerRef(_ context.Context, id int64, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return false, s.attachErr
	}
	msg, ok := s.messages[id]
	if !ok || msg.LedgerTxRef != "" {
		return false, nil
	}
	msg.LedgerTxRef = txRef
	msg.LastAnchorError = ""
	msg.NextAnchorAt = nil
	msg.NeedsReview = false
	return true, nil
}

func (s *fakeStore) ListUnanchored(_ context.Context, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	now := time.Now().UTC()
	out := make([]storage.Message, 0)
	for _, msg := range s.messages {
		if msg.LedgerTxRef != "" || msg.NeedsReview {
			continue
		}
		if msg.NextAnchorAt != nil && msg.NextAnchorAt.After(now) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkAnchorRetry(_ context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.LedgerTxRef != "" {
		return nil
	}
	msg.AnchorAttempts = attempts
	next := nextAttempt.UTC()
	msg.NextAnchorAt = &next
	msg.LastAnchorError = lastError
	return nil
}

func (s *fakeStore) MarkNeedsReview(_ context.Context, id int64, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.LedgerTxRef != "" {
		return nil
	}
	msg.AnchorAttempts = attempts
	msg.NextAnchorAt = nil
	msg.LastAnchorError = lastError
	msg.NeedsReview = true
	return nil
}

// fakeLedger is an in-memory ledger.Client. submitGate, when set, blocks
// Submit until released so tests can hold an attempt in flight.
type fakeLedger struct {
	mu           sync.Mutex
	records      map[string]ledger.Record
	statuses     map[string]string
	submits      int
	nextRef      int
	submitErr    error
	lookupErr    error
	submitStarts chan struct{}
	submitGate   chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records:  make(map[string]ledger.Record),
		statuses: make(map[string]string),
	}
}

func (l *fakeLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

func (l *fakeLedger) register(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[hash] = ledger.Record{RegisteredAt: time.Now().UTC(), Registrar: "0xregistrar"}
}

func (l *fakeLedger) Submit(ctx context.Context, contentHash string) (string, error) {
	if l.submitStarts != nil {
		l.submitStarts <- struct{}{}
	}
	if l.submitGate != nil {
		select {
		case <-l.submitGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if l.submitErr != nil {
		return "", l.submitErr
	}
	if _, ok := l.records[contentHash]; ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrAlreadyRegistered, contentHash)
	}
	l.nextRef++
	ref := fmt.Sprintf("0xref%d", l.nextRef)
	l.records[contentHash] = ledger.Record{RegisteredAt: time.Now().UTC(), Registrar: "0xregistrar"}
	l.statuses[ref] = ledger.TxConfirmed
	return ref, nil
}

func (l *fakeLedger) Registered(_ context.Context, contentHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return false, l.lookupErr
	}
	_, ok := l.records[contentHash]
	return ok, nil
}

func (l *fakeLedger) Info(_ context.Context, contentHash string) (ledger.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return ledger.Record{}, false, l.lookupErr
	}
	rec, ok := l.records[contentHash]
	return rec, ok, nil
}

func (l *fakeLedger) TxStatus(_ context.Context, txRef string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return "", l.lookupErr
	}
	status, ok := l.statuses[txRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown transaction %s", ledger.ErrRejected, txRef)
	}
	return status, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	frames     map[int64][][]byte
	enqueueErr error
	drainErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{frames: make(map[int64][][]byte)}
}

func (q *fakeQueue) Enqueue(_ context.Context, userID int64, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.frames[userID] = append(q.frames[userID], frame)
	return nil
}

func (q *fakeQueue) Drain(_ context.Context, userID int64) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drainErr != nil {
		return nil, q.drainErr
	}
	out := q.frames[userID]
	delete(q.frames, userID)
	return out, nil
}

func (q *fakeQueue) queued(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames[userID])
}

func newTestNotary(t interface {
	Fatalf(format string, args ...any)
}, store storage.Store, lc ledger.Client, maxAttempts int) *Notary {
	n, err := NewNotary(NotaryParams{
		Store:       store,
		Ledger:      lc,
		Logger:      testLogger(),
		Workers:     1,
		QueueSize:   16,
		MaxAttempts: maxAttempts,
		MaxBackoff:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewNotary error: %v", err)
	}
	return n
}

func newTestCourier(t interface {
	Fatalf(format string, args ...any)
}, store storage.Store, reg *Registry, notary *Notary, lc ledger.Client, pending OfflineQueue) *Courier {
	c, err := NewCourier(CourierParams{
		Store:    store,
		Registry: reg,
		Notary:   notary,
		Ledger:   lc,
		Pending:  pending,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewCourier error: %v", err)
	}
	return c
}
