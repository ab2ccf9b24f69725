package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/protocol"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

// OfflineQueue buffers delivery frames for identities without a live channel
// so they replay on the next connect. The durable record stays in storage
// either way; losing queued frames costs realtime replay, never the message.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID int64, frame []byte) error
	Drain(ctx context.Context, userID int64) ([][]byte, error)
}

// Courier coordinates message flow: validate, persist, hand off to the
// notary, push to the recipient, acknowledge the sender. Persistence is the
// only step allowed to fail a send; everything after it degrades to logs.
type Courier struct {
	store    storage.Store
	registry *Registry
	notary   *Notary
	ledger   ledger.Client
	pending  OfflineQueue
	logger   *slog.Logger
	service  string
	version  string
}

type CourierParams struct {
	Store       storage.Store
	Registry    *Registry
	Notary      *Notary
	Ledger      ledger.Client
	Pending     OfflineQueue
	Logger      *slog.Logger
	ServiceName string
	Version     string
}

func NewCourier(params CourierParams) (*Courier, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if params.Notary == nil {
		return nil, errors.New("notary is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.ServiceName == "" {
		params.ServiceName = "cipherpost-server"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &Courier{
		store:    params.Store,
		registry: params.Registry,
		notary:   params.Notary,
		ledger:   params.Ledger,
		pending:  params.Pending,
		logger:   params.Logger,
		service:  params.ServiceName,
		version:  params.Version,
	}, nil
}

// Registry exposes the connection registry for transport handlers.
func (c *Courier) Registry() *Registry {
	return c.registry
}

// User resolves an authenticated identity against the directory.
func (c *Courier) User(ctx context.Context, id int64) (storage.User, bool, error) {
	return c.store.GetUser(ctx, id)
}

// HandleInbound processes one frame from a connected sender. The returned
// ack is sent only after the message is durably recorded; push failures and
// notary backlog never surface to the sender.
func (c *Courier) HandleInbound(ctx context.Context, sender storage.User, frame protocol.InboundFrame) (protocol.SentFrame, error) {
	if frame.ToUserID <= 0 {
		return protocol.SentFrame{}, NewAppError(http.StatusBadRequest, "MSG_BAD_FRAME", "to_user_id is required", false, nil)
	}
	if frame.Payload == "" {
		return protocol.SentFrame{}, NewAppError(http.StatusBadRequest, "MSG_BAD_FRAME", "payload is required", false, nil)
	}
	if !protocol.ValidDigest(frame.MessageHash) {
		return protocol.SentFrame{}, NewAppError(http.StatusBadRequest, "MSG_BAD_FRAME",
			fmt.Sprintf("message_hash must be a 0x-prefixed %d-character hex digest", protocol.DigestLength), false, nil)
	}

	recipient, ok, err := c.store.GetUser(ctx, frame.ToUserID)
	if err != nil {
		return protocol.SentFrame{}, Internal("resolve recipient", err)
	}
	if !ok {
		return protocol.SentFrame{}, NewAppError(http.StatusNotFound, "MSG_UNKNOWN_RECIPIENT", "recipient not found", false, nil)
	}

	msg, err := c.store.InsertMessage(ctx, storage.NewMessage{
		SenderID:    sender.ID,
		ReceiverID:  recipient.ID,
		Payload:     frame.Payload,
		ContentHash: frame.MessageHash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUnknownUser) {
			return protocol.SentFrame{}, NewAppError(http.StatusNotFound, "MSG_UNKNOWN_RECIPIENT", "recipient not found", false, err)
		}
		return protocol.SentFrame{}, NewAppError(http.StatusInternalServerError, "MSG_PERSIST_FAILED", "message could not be recorded", true, err)
	}

	if !c.notary.Schedule(msg.ID) {
		c.logger.Warn("notary queue full; sweep will pick up",
			slog.Int64("message_id", msg.ID),
		)
	}

	c.deliver(ctx, sender, recipient, msg)

	return protocol.SentFrame{
		Type:      protocol.FrameSent,
		MessageID: msg.ID,
		ToUserID:  recipient.ID,
		Timestamp: msg.CreatedAt,
	}, nil
}

// deliver pushes the frame to a live recipient, or parks it on the offline
// queue. Failures are logged only; the message is already durable.
func (c *Courier) deliver(ctx context.Context, sender storage.User, recipient storage.User, msg storage.Message) {
	frame, err := json.Marshal(protocol.MessageFrame{
		Type:         protocol.FrameMessage,
		MessageID:    msg.ID,
		FromUserID:   sender.ID,
		FromUsername: sender.Username,
		Payload:      msg.Payload,
		MessageHash:  msg.ContentHash,
		Timestamp:    msg.CreatedAt,
	})
	if err != nil {
		c.logger.Error("marshal delivery frame",
			slog.Int64("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if c.registry.Push(recipient.ID, frame) {
		return
	}

	if c.pending == nil {
		return
	}
	if err := c.pending.Enqueue(ctx, recipient.ID, frame); err != nil {
		c.logger.Warn("offline enqueue failed",
			slog.Int64("message_id", msg.ID),
			slog.Int64("receiver_id", recipient.ID),
			slog.String("error", err.Error()),
		)
	}
}

// FlushPending replays frames parked while the identity was offline, in
// arrival order, over its freshly registered channel.
func (c *Courier) FlushPending(ctx context.Context, userID int64) {
	if c.pending == nil {
		return
	}
	frames, err := c.pending.Drain(ctx, userID)
	if err != nil {
		c.logger.Warn("offline drain failed",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	for i, frame := range frames {
		if !c.registry.Push(userID, frame) {
			c.logger.Warn("offline replay interrupted",
				slog.Int64("user_id", userID),
				slog.Int("delivered", i),
				slog.Int("queued", len(frames)),
			)
			return
		}
	}
	if len(frames) > 0 {
		c.logger.Info("offline frames replayed",
			slog.Int64("user_id", userID),
			slog.Int("count", len(frames)),
		)
	}
}

// Verify reports whether the message's content hash is registered on the
// ledger. Only the sender and the receiver may ask.
func (c *Courier) Verify(ctx context.Context, caller storage.User, messageID int64) (protocol.VerifyResponse, error) {
	msg, err := c.loadFor(ctx, caller, messageID, false)
	if err != nil {
		return protocol.VerifyResponse{}, err
	}

	registered, err := c.ledger.Registered(ctx, msg.ContentHash)
	if err != nil {
		return protocol.VerifyResponse{}, Unavailable("LEDGER_UNAVAILABLE", "ledger verification unavailable", err)
	}
	return protocol.VerifyResponse{
		MessageID:   msg.ID,
		ContentHash: msg.ContentHash,
		Verified:    registered,
		LedgerTxRef: msg.LedgerTxRef,
	}, nil
}

// AnchorInfo returns the ledger registration record for a message. The
// transaction status is best effort: a ledger hiccup drops the field rather
// than failing the request.
func (c *Courier) AnchorInfo(ctx context.Context, caller storage.User, messageID int64) (protocol.AnchorInfoResponse, error) {
	msg, err := c.loadFor(ctx, caller, messageID, false)
	if err != nil {
		return protocol.AnchorInfoResponse{}, err
	}

	out := protocol.AnchorInfoResponse{
		MessageID:   msg.ID,
		ContentHash: msg.ContentHash,
		LedgerTxRef: msg.LedgerTxRef,
	}

	rec, ok, err := c.ledger.Info(ctx, msg.ContentHash)
	if err != nil {
		return protocol.AnchorInfoResponse{}, Unavailable("LEDGER_UNAVAILABLE", "ledger lookup unavailable", err)
	}
	if ok {
		out.Registered = true
		at := rec.RegisteredAt
		out.RegisteredAt = &at
		out.Registrar = rec.Registrar
	}

	if msg.LedgerTxRef != "" {
		status, err := c.ledger.TxStatus(ctx, msg.LedgerTxRef)
		if err != nil {
			c.logger.Warn("tx status lookup failed",
				slog.Int64("message_id", msg.ID),
				slog.String("tx_ref", msg.LedgerTxRef),
				slog.String("error", err.Error()),
			)
		} else {
			out.TxStatus = status
		}
	}
	return out, nil
}

// TriggerNotarization runs a notarization attempt on demand. Only the sender
// may trigger; an anchored message short-circuits without a ledger call.
func (c *Courier) TriggerNotarization(ctx context.Context, caller storage.User, messageID int64) (protocol.NotarizeResponse, error) {
	msg, err := c.loadFor(ctx, caller, messageID, true)
	if err != nil {
		return protocol.NotarizeResponse{}, err
	}
	if msg.Anchored() {
		return protocol.NotarizeResponse{
			MessageID:   msg.ID,
			Status:      OutcomeAlreadyAnchored,
			LedgerTxRef: msg.LedgerTxRef,
		}, nil
	}

	outcome, err := c.notary.Notarize(ctx, messageID)
	if err != nil {
		return protocol.NotarizeResponse{}, Internal("notarization attempt failed", err)
	}
	return protocol.NotarizeResponse{
		MessageID:   msg.ID,
		Status:      outcome.Status,
		LedgerTxRef: outcome.TxRef,
	}, nil
}

// loadFor fetches a message and checks the caller may act on it. With
// senderOnly the receiver is rejected too.
func (c *Courier) loadFor(ctx context.Context, caller storage.User, messageID int64, senderOnly bool) (storage.Message, error) {
	msg, ok, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, Internal("load message", err)
	}
	if !ok {
		return storage.Message{}, NewAppError(http.StatusNotFound, "NOT_FOUND", "message not found", false, nil)
	}
	if senderOnly {
		if caller.ID != msg.SenderID {
			return storage.Message{}, NewAppError(http.StatusForbidden, "FORBIDDEN", "only the sender can notarize this message", false, nil)
		}
		return msg, nil
	}
	if caller.ID != msg.SenderID && caller.ID != msg.ReceiverID {
		return storage.Message{}, NewAppError(http.StatusForbidden, "FORBIDDEN", "message belongs to another conversation", false, nil)
	}
	return msg, nil
}

// ledgerProbeDigest is a syntactically valid digest used only to test ledger
// reachability from the health endpoint.
const ledgerProbeDigest = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Health summarizes the server for the health endpoint. A dead ledger flips
// the reachability field but does not fail the check; delivery keeps working
// through a ledger outage.
func (c *Courier) Health(ctx context.Context) (protocol.HealthResponse, error) {
	count, err := c.store.CountMessages(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("count messages", err)
	}
	reachable := true
	if _, err := c.ledger.Registered(ctx, ledgerProbeDigest); err != nil {
		reachable = false
	}
	return protocol.HealthResponse{
		Status:           "ok",
		Service:          c.service,
		Version:          c.version,
		MessageCount:     count,
		OnlineCount:      c.registry.Count(),
		NotaryQueueDepth: c.notary.QueueDepth(),
		LedgerReachable:  reachable,
	}, nil
}

// Presence lists identities with live channels.
func (c *Courier) Presence() protocol.PresenceResponse {
	ids := c.registry.Online()
	return protocol.PresenceResponse{
		OnlineUsers: ids,
		Count:       len(ids),
	}
}
