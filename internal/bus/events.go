// internal/bus/events.go
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"chatrelay/internal/realtime"
)

// Event types produced by the CRUD layer after a committed write.
const (
	TypeMessageCreated     = "message.created"
	TypeMessagesCleared    = "messages.cleared"
	TypeMembersUpdated     = "members.updated"
	TypeMemberRemoved      = "member.removed"
	TypeMemberAdded        = "member.added"
	TypeFriendRequest      = "friend_request.created"
	TypeUserBanned         = "user.banned"
	TypeSessionInvalidated = "user.session_invalidated"
)

var (
	ErrUnknownType  = errors.New("unknown event type")
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is one domain event as published on the bus.
type Event struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type" validate:"required"`
	ChatID  realtime.ID     `json:"chatId,omitempty"`
	UserID  realtime.ID     `json:"userId,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Fanout is implemented by *realtime.Fanout.
type Fanout interface {
	OnNewMessage(chatID realtime.ID, message json.RawMessage) int
	OnMessagesCleared(chatID realtime.ID) int
	OnMembershipChanged(chatID realtime.ID) int
	OnMemberRemoved(chatID, userID realtime.ID) int
	OnMemberAdded(chatID, userID realtime.ID) int
	OnFriendRequest(userID realtime.ID, payload json.RawMessage) int
}

// Moderation is implemented by *realtime.Moderation.
type Moderation interface {
	NotifyBanned(ctx context.Context, userID realtime.ID, message string) int
	NotifyAuthInvalidated(userID realtime.ID, message string) int
}

// Dispatcher applies domain events to the signaling core. The Redis
// subscriber and the internal HTTP API both go through it.
type Dispatcher struct {
	fanout     Fanout
	moderation Moderation
	validate   *validator.Validate
}

func NewDispatcher(fanout Fanout, moderation Moderation) *Dispatcher {
	return &Dispatcher{
		fanout:     fanout,
		moderation: moderation,
		validate:   validator.New(),
	}
}

// Apply routes ev and returns the number of connections it reached.
func (d *Dispatcher) Apply(ctx context.Context, ev Event) (int, error) {
	if err := d.validate.Struct(ev); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch ev.Type {
	case TypeMessageCreated:
		if err := need(ev.ChatID != "", "chatId"); err != nil {
			return 0, err
		}
		if err := need(len(ev.Message) > 0, "message"); err != nil {
			return 0, err
		}
		return d.fanout.OnNewMessage(ev.ChatID, ev.Message), nil

	case TypeMessagesCleared:
		if err := need(ev.ChatID != "", "chatId"); err != nil {
			return 0, err
		}
		return d.fanout.OnMessagesCleared(ev.ChatID), nil

	case TypeMembersUpdated:
		if err := need(ev.ChatID != "", "chatId"); err != nil {
			return 0, err
		}
		return d.fanout.OnMembershipChanged(ev.ChatID), nil

	case TypeMemberRemoved, TypeMemberAdded:
		if err := need(ev.ChatID != "" && ev.UserID != "", "chatId and userId"); err != nil {
			return 0, err
		}
		if ev.Type == TypeMemberAdded {
			return d.fanout.OnMemberAdded(ev.ChatID, ev.UserID), nil
		}
		return d.fanout.OnMemberRemoved(ev.ChatID, ev.UserID), nil

	case TypeFriendRequest:
		if err := need(ev.UserID != "", "userId"); err != nil {
			return 0, err
		}
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		return d.fanout.OnFriendRequest(ev.UserID, payload), nil

	case TypeUserBanned:
		if err := need(ev.UserID != "", "userId"); err != nil {
			return 0, err
		}
		return d.moderation.NotifyBanned(ctx, ev.UserID, ev.Reason), nil

	case TypeSessionInvalidated:
		if err := need(ev.UserID != "", "userId"); err != nil {
			return 0, err
		}
		return d.moderation.NotifyAuthInvalidated(ev.UserID, ev.Reason), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
}

func need(ok bool, field string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s required", ErrInvalidEvent, field)
}
