// internal/http/handlers/realtime.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"chatrelay/internal/bus"
	mw "chatrelay/internal/middleware"
	"chatrelay/internal/realtime"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/response"
)

// Applier applies a domain event to the signaling core.
type Applier interface {
	Apply(ctx context.Context, ev bus.Event) (int, error)
}

type RealtimeHandler struct {
	server   *realtime.Server
	events   Applier
	logger   *logger.Logger
	validate *validator.Validate
}

func NewRealtimeHandler(server *realtime.Server, events Applier, log *logger.Logger, validate *validator.Validate) *RealtimeHandler {
	return &RealtimeHandler{
		server:   server,
		events:   events,
		logger:   log,
		validate: validate,
	}
}

// NewMessageRequest carries the persisted message as the CRUD layer
// serialized it.
type NewMessageRequest struct {
	Message json.RawMessage `json:"message" validate:"required"`
}

type FriendRequestNotice struct {
	Payload json.RawMessage `json:"payload"`
}

type ModerationRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// AcceptedResponse reports how many connections an event reached.
type AcceptedResponse struct {
	Delivered int `json:"delivered"`
}

// HandleWebSocket upgrades the request. The gate runs inside ServeWS so a
// rejected browser still receives auth_error before the close.
func (h *RealtimeHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.server.ServeWS(w, r, mw.ExtractToken(r))
}

func (h *RealtimeHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]interface{}{
		"stats":   h.server.Stats(),
		"running": h.server.Running(),
	})
}

// HandleGetChannel reports the member count of one channel.
func (h *RealtimeHandler) HandleGetChannel(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := realtime.ValidateChannelID(channel); err != nil {
		response.BadRequest(w, "Invalid channel ID")
		return
	}

	response.JSON(w, map[string]interface{}{
		"channel": channel,
		"members": h.server.Registry().MemberCount(channel),
	})
}

func (h *RealtimeHandler) HandleNewMessage(w http.ResponseWriter, r *http.Request) {
	var req NewMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, bus.Event{
		Type:    bus.TypeMessageCreated,
		ChatID:  realtime.ID(chi.URLParam(r, "chatID")),
		Message: req.Message,
	})
}

func (h *RealtimeHandler) HandleMessagesCleared(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, bus.Event{
		Type:   bus.TypeMessagesCleared,
		ChatID: realtime.ID(chi.URLParam(r, "chatID")),
	})
}

func (h *RealtimeHandler) HandleMembersUpdated(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, bus.Event{
		Type:   bus.TypeMembersUpdated,
		ChatID: realtime.ID(chi.URLParam(r, "chatID")),
	})
}

func (h *RealtimeHandler) HandleMemberRemoved(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, bus.Event{
		Type:   bus.TypeMemberRemoved,
		ChatID: realtime.ID(chi.URLParam(r, "chatID")),
		UserID: realtime.ID(chi.URLParam(r, "userID")),
	})
}

func (h *RealtimeHandler) HandleMemberAdded(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, bus.Event{
		Type:   bus.TypeMemberAdded,
		ChatID: realtime.ID(chi.URLParam(r, "chatID")),
		UserID: realtime.ID(chi.URLParam(r, "userID")),
	})
}

func (h *RealtimeHandler) HandleFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req FriendRequestNotice
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, bus.Event{
		Type:    bus.TypeFriendRequest,
		UserID:  realtime.ID(chi.URLParam(r, "userID")),
		Payload: req.Payload,
	})
}

func (h *RealtimeHandler) HandleBan(w http.ResponseWriter, r *http.Request) {
	var req ModerationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, bus.Event{
		Type:   bus.TypeUserBanned,
		UserID: realtime.ID(chi.URLParam(r, "userID")),
		Reason: req.Reason,
	})
}

func (h *RealtimeHandler) HandleInvalidateSessions(w http.ResponseWriter, r *http.Request) {
	var req ModerationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, bus.Event{
		Type:   bus.TypeSessionInvalidated,
		UserID: realtime.ID(chi.URLParam(r, "userID")),
		Reason: req.Reason,
	})
}

// decode reads an optional JSON body into dst and validates it.
func (h *RealtimeHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "Invalid JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.ValidationError(w, err)
		return false
	}
	return true
}

func (h *RealtimeHandler) apply(w http.ResponseWriter, r *http.Request, ev bus.Event) {
	n, err := h.events.Apply(r.Context(), ev)
	if err != nil {
		if errors.Is(err, bus.ErrInvalidEvent) || errors.Is(err, bus.ErrUnknownType) {
			response.BadRequest(w, err.Error())
			return
		}
		h.logger.Error("Failed to apply event", "type", ev.Type, "error", err)
		response.InternalServerError(w, "")
		return
	}

	h.logger.Debug("Applied internal event",
		"type", ev.Type,
		"chat_id", ev.ChatID,
		"user_id", ev.UserID,
		"delivered", n)
	response.JSONWithStatus(w, http.StatusAccepted, AcceptedResponse{Delivered: n})
}
