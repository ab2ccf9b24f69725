package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/cipherpost/cipherpost-server/internal/auth"
	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/service"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signTestToken(t *testing.T, secret string, userID int64) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type memStore struct {
	mu       sync.Mutex
	users    map[int64]storage.User
	messages map[int64]*storage.Message
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[int64]storage.User),
		messages: make(map[int64]*storage.Message),
	}
}

func (s *memStore) addUser(id int64, username string) storage.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := storage.User{ID: id, Username: username, CreatedAt: time.Now().UTC()}
	s.users[id] = u
	return u
}

func (s *memStore) addMessage(msg storage.Message) storage.Message {
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

func (s *memStore) message(id int64) storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *memStore) Close() {}

func (s *memStore) GetUser(_ context.Context, id int64) (storage.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *memStore) InsertMessage(_ context.Context, in storage.NewMessage) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memStore) GetMessage(_ context.Context, id int64) (storage.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.Message{}, false, nil
	}
	return *msg, true, nil
}

func (s *memStore) CountMessages(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), nil
}

func (s *memStore) AttachLedgerRef(_ context.Context, id int64, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memStore) ListUnanchored(_ context.Context, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkAnchorRetry(_ context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
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

func (s *memStore) MarkNeedsReview(_ context.Context, id int64, attempts int, lastError string) error {
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

type memLedger struct {
	mu       sync.Mutex
	records  map[string]ledger.Record
	statuses map[string]string
	submits  int
	nextRef  int
}

func newMemLedger() *memLedger {
	return &memLedger{
		records:  make(map[string]ledger.Record),
		statuses: make(map[string]string),
	}
}

func (l *memLedger) register(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[hash] = ledger.Record{RegisteredAt: time.Now().UTC(), Registrar: "0xregistrar"}
}

func (l *memLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

func (l *memLedger) Submit(_ context.Context, contentHash string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if _, ok := l.records[contentHash]; ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrAlreadyRegistered, contentHash)
	}
	l.nextRef++
	ref := fmt.Sprintf("0xref%d", l.nextRef)
	l.records[contentHash] = ledger.Record{RegisteredAt: time.Now().UTC(), Registrar: "0xregistrar"}
	l.statuses[ref] = ledger.TxConfirmed
	return ref, nil
}

func (l *memLedger) Registered(_ context.Context, contentHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[contentHash]
	return ok, nil
}

func (l *memLedger) Info(_ context.Context, contentHash string) (ledger.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[contentHash]
	return rec, ok, nil
}

func (l *memLedger) TxStatus(_ context.Context, txRef string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.statuses[txRef]
	if !ok {
		return "", fmt.Errorf("%w: unknown transaction %s", ledger.ErrRejected, txRef)
	}
	return status, nil
}

type memQueue struct {
	mu     sync.Mutex
	frames map[int64][][]byte
}

func newMemQueue() *memQueue {
	return &memQueue{frames: make(map[int64][][]byte)}
}

func (q *memQueue) Enqueue(_ context.Context, userID int64, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames[userID] = append(q.frames[userID], frame)
	return nil
}

func (q *memQueue) Drain(_ context.Context, userID int64) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames[userID]
	delete(q.frames, userID)
	return out, nil
}

func (q *memQueue) queued(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames[userID])
}

// stubChannel satisfies the registry contract for presence tests that do not
// need a live socket.
type stubChannel struct {
	id string
}

func (c stubChannel) ID() string            { return c.id }
func (c stubChannel) Send(frame []byte) error { return nil }
func (c stubChannel) Close()                {}

type testHarness struct {
	handler *Handler
	store   *memStore
	ledger  *memLedger
	queue   *memQueue
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newMemStore()
	lc := newMemLedger()
	queue := newMemQueue()
	registry := service.NewRegistry(testLogger())
	notary, err := service.NewNotary(service.NotaryParams{
		Store:       store,
		Ledger:      lc,
		Logger:      testLogger(),
		Workers:     1,
		QueueSize:   16,
		MaxAttempts: 10,
		MaxBackoff:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewNotary error: %v", err)
	}
	courier, err := service.NewCourier(service.CourierParams{
		Store:    store,
		Registry: registry,
		Notary:   notary,
		Ledger:   lc,
		Pending:  queue,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewCourier error: %v", err)
	}
	verifier, err := auth.NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier error: %v", err)
	}
	return &testHarness{
		handler: NewHandler(courier, verifier, testLogger(), 16),
		store:   store,
		ledger:  lc,
		queue:   queue,
	}
}
