package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/cipherpost/cipherpost-server/internal/auth"
	"github.com/cipherpost/cipherpost-server/internal/logging"
	"github.com/cipherpost/cipherpost-server/internal/protocol"
	"github.com/cipherpost/cipherpost-server/internal/service"
)

type Handler struct {
	courier       *service.Courier
	verifier      auth.Verifier
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	sendQueueSize int
}

func NewHandler(svc *service.Courier, verifier auth.Verifier, logger *slog.Logger, sendQueueSize int) *Handler {
	return &Handler{
		courier:  svc,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients authenticate with a bearer token, not a cookie, so
			// cross-origin dials carry no ambient credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendQueueSize: sendQueueSize,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/ws", h.handleWS)
	mux.HandleFunc("GET /v1/presence/online", h.handlePresence)
	mux.Handle("GET /v1/messages/{id}/verify", h.requireUser(h.handleVerify))
	mux.Handle("GET /v1/messages/{id}/anchor", h.requireUser(h.handleAnchorInfo))
	mux.Handle("POST /v1/messages/{id}/notarize", h.requireUser(h.handleNotarize))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.courier.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "message_count", resp.MessageCount)
	logging.AddField(r.Context(), "online_count", resp.OnlineCount)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	resp := h.courier.Presence()
	logging.AddField(r.Context(), "op", "presence")
	logging.AddField(r.Context(), "online_count", resp.Count)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.courier.Verify(r.Context(), callerFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "verify_message")
	logging.AddField(r.Context(), "message_id", resp.MessageID)
	logging.AddField(r.Context(), "verified", resp.Verified)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAnchorInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.courier.AnchorInfo(r.Context(), callerFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "anchor_info")
	logging.AddField(r.Context(), "message_id", resp.MessageID)
	logging.AddField(r.Context(), "registered", resp.Registered)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleNotarize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.courier.TriggerNotarization(r.Context(), callerFrom(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "notarize_message")
	logging.AddField(r.Context(), "message_id", resp.MessageID)
	logging.AddField(r.Context(), "notarize_status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "message id must be a positive integer", false, err)
	}
	return id, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
