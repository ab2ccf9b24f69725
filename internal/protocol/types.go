package protocol

import "time"

// Frame types carried over a live socket. Every server-to-client frame opens
// with a "type" discriminator so clients can dispatch without sniffing fields.
const (
	FrameConnected = "connected"
	FrameSent      = "sent"
	FrameError     = "error"
	FrameMessage   = "message"
)

// InboundFrame is the one client-to-server frame: an encrypted payload bound
// for another identity, plus the sender-computed content digest.
type InboundFrame struct {
	ToUserID    int64  `json:"to_user_id"`
	Payload     string `json:"payload"`
	MessageHash string `json:"message_hash"`
}

// ConnectedFrame confirms registration right after a socket is accepted.
type ConnectedFrame struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// SentFrame acknowledges a durably recorded message back to its sender.
type SentFrame struct {
	Type      string    `json:"type"`
	MessageID int64     `json:"message_id"`
	ToUserID  int64     `json:"to_user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a per-frame failure without closing the socket.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageFrame delivers a stored message to its recipient.
type MessageFrame struct {
	Type         string    `json:"type"`
	MessageID    int64     `json:"message_id"`
	FromUserID   int64     `json:"from_user_id"`
	FromUsername string    `json:"from_username"`
	Payload      string    `json:"payload"`
	MessageHash  string    `json:"message_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

type PresenceResponse struct {
	OnlineUsers []int64 `json:"online_users"`
	Count       int     `json:"count"`
}

type VerifyResponse struct {
	MessageID   int64  `json:"message_id"`
	ContentHash string `json:"content_hash"`
	Verified    bool   `json:"verified"`
	LedgerTxRef string `json:"ledger_tx_ref,omitempty"`
}

type AnchorInfoResponse struct {
	MessageID    int64      `json:"message_id"`
	ContentHash  string     `json:"content_hash"`
	Registered   bool       `json:"registered"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	Registrar    string     `json:"registrar,omitempty"`
	LedgerTxRef  string     `json:"ledger_tx_ref,omitempty"`
	TxStatus     string     `json:"tx_status,omitempty"`
}

type NotarizeResponse struct {
	MessageID   int64  `json:"message_id"`
	Status      string `json:"status"`
	LedgerTxRef string `json:"ledger_tx_ref,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	Version          string `json:"version"`
	MessageCount     int    `json:"message_count"`
	OnlineCount      int    `json:"online_count"`
	NotaryQueueDepth int    `json:"notary_queue_depth"`
	LedgerReachable  bool   `json:"ledger_reachable"`
}
