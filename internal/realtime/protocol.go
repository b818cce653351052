// internal/realtime/protocol.go
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Inbound event names.
const (
	EventJoinUserRoom     = "join_user_room"
	EventJoinChat         = "join_chat"
	EventLeaveChat        = "leave_chat"
	EventCallUser         = "call_user"
	EventAnswerCall       = "answer_call"
	EventSendIceCandidate = "send_ice_candidate"
	EventEndCall          = "end_call"
	EventPing             = "ping"
)

// Outbound event names.
const (
	EventConnected           = "connected"
	EventIncomingCall        = "incoming_call"
	EventCallAccepted        = "call_accepted"
	EventReceiveIceCandidate = "receive_ice_candidate"
	EventCallEnded           = "call_ended"
	EventCallFailed          = "call_failed"
	EventNewMessage          = "new_message"
	EventMessagesCleared     = "messages_cleared"
	EventChatMemberUpdated   = "chat_member_updated"
	EventRemovedFromChat     = "removed_from_chat"
	EventAddedToChat         = "added_to_chat"
	EventFriendRequest       = "friend_request"
	EventAccountBanned       = "account_banned"
	EventAuthError           = "auth_error"
	EventError               = "error"
	EventPong                = "pong"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New()

// Inbound is the closed set of client frames. Each frame is decoded once,
// at the transport boundary, into one of the types below.
type Inbound interface {
	inbound()
}

type JoinUserRoom struct {
	UserID ID `json:"userId" validate:"required"`
}

type JoinChat struct {
	ChatID ID `json:"chatId" validate:"required"`
}

type LeaveChat struct {
	ChatID ID `json:"chatId" validate:"required"`
}

type CallUser struct {
	CalleeID   ID                        `json:"calleeId" validate:"required"`
	Offer      webrtc.SessionDescription `json:"offer"`
	MediaKind  MediaKind                 `json:"mediaKind" validate:"omitempty,oneof=audio video"`
	CallerName string                    `json:"callerName" validate:"max=128"`
}

type AnswerCall struct {
	CallerID ID                        `json:"callerId" validate:"required"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

type SendIceCandidate struct {
	PeerID    ID                      `json:"peerId" validate:"required"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type EndCall struct {
	PeerID ID `json:"peerId"`
}

type Ping struct{}

func (JoinUserRoom) inbound()     {}
func (JoinChat) inbound()         {}
func (LeaveChat) inbound()        {}
func (CallUser) inbound()         {}
func (AnswerCall) inbound()       {}
func (SendIceCandidate) inbound() {}
func (EndCall) inbound()          {}
func (Ping) inbound()             {}

// DecodeInbound parses one client frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env Event
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Name {
	case EventJoinUserRoom:
		var m JoinUserRoom
		if id, ok := bareID(env.Data); ok {
			m.UserID = id
		} else if err := decodePayload(env.Data, &m); err != nil {
			return nil, err
		}
		return checked(m)

	case EventJoinChat:
		var m JoinChat
		if id, ok := bareID(env.Data); ok {
			m.ChatID = id
		} else if err := decodePayload(env.Data, &m); err != nil {
			return nil, err
		}
		return checked(m)

	case EventLeaveChat:
		var m LeaveChat
		if id, ok := bareID(env.Data); ok {
			m.ChatID = id
		} else if err := decodePayload(env.Data, &m); err != nil {
			return nil, err
		}
		return checked(m)

	case EventCallUser:
		var m CallUser
		if err := decodePayload(env.Data, &m); err != nil {
			return nil, err
		}
		if _, err := checked(m); err != nil {
			return nil, err
		}
		parsed, err := parseDescription(m.Offer, webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		if m.MediaKind == "" {
			m.MediaKind = mediaKindOf(parsed)
		}
		return m, nil

	case EventAnswerCall:
		var raw struct {
			AnswerCall
			// Older clients name the caller from the callee's point of view.
			OriginalCallerID ID `json:"calleeOriginalCallerId"`
		}
		if err := decodePayload(env.Data, &raw); err != nil {
			return nil, err
		}
		m := raw.AnswerCall
		if m.CallerID == "" {
			m.CallerID = raw.OriginalCallerID
		}
		if _, err := checked(m); err != nil {
			return nil, err
		}
		if _, err := parseDescription(m.Answer, webrtc.SDPTypeAnswer); err != nil {
			return nil, err
		}
		return m, nil

	case EventSendIceCandidate:
		var m SendIceCandidate
		if err := decodePayload(env.Data, &m); err != nil {
			return nil, err
		}
		return checked(m)

	case EventEndCall:
		var m EndCall
		if id, ok := bareID(env.Data); ok {
			m.PeerID = id
		} else if len(env.Data) > 0 {
			if err := decodePayload(env.Data, &m); err != nil {
				return nil, err
			}
		}
		return m, nil

	case EventPing:
		return Ping{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Name)
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func checked(m Inbound) (Inbound, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return m, nil
}

// bareID handles frames whose data is the id itself, e.g. join_chat(7).
func bareID(data json.RawMessage) (ID, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] == '{' {
		return "", false
	}
	var id ID
	if err := id.UnmarshalJSON(data); err != nil {
		return "", false
	}
	return id, true
}

func parseDescription(desc webrtc.SessionDescription, want webrtc.SDPType) (*sdp.SessionDescription, error) {
	if desc.Type != want {
		return nil, fmt.Errorf("%w: expected %s description, got %s", ErrInvalidPayload, want, desc.Type)
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed sdp: %v", ErrInvalidPayload, err)
	}
	return parsed, nil
}

// mediaKindOf reports video when the offer carries a video section.
func mediaKindOf(desc *sdp.SessionDescription) MediaKind {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			return MediaVideo
		}
	}
	return MediaAudio
}
