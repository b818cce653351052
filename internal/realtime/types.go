// internal/realtime/types.go
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Logger is satisfied by *logger.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

var (
	ErrConnClosed       = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidChannelID = errors.New("invalid channel id")
)

// ID is a user or chat identifier. The account store keys rows by integer,
// but browsers send either 42 or "42", so both are accepted.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes canonical integer ids back as numbers. Anything else,
// such as "007" or "+5", stays a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// UserChannel is the personal channel of a user.
func UserChannel(id ID) string { return "user_" + string(id) }

// ChatChannel is the broadcast channel of a chat.
func ChatChannel(id ID) string { return "chat_" + string(id) }

// ValidateChannelID checks a channel name against the two known namespaces.
func ValidateChannelID(channel string) error {
	for _, prefix := range []string{"user_", "chat_"} {
		if rest, ok := strings.CutPrefix(channel, prefix); ok && rest != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidChannelID, channel)
}

// Event is the wire envelope for every frame in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`

	// err is set when the payload could not be encoded.
	err error
}

// Err reports why the payload of ev could not be encoded. Such events are
// dropped instead of delivered.
func (ev Event) Err() error { return ev.err }

// NewEvent encodes data as the payload of a named event.
func NewEvent(name string, data any) Event {
	if data == nil {
		return Event{Name: name}
	}
	if raw, ok := data.(json.RawMessage); ok {
		return Event{Name: name, Data: raw}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{Name: name, err: fmt.Errorf("encode %s payload: %w", name, err)}
	}
	return Event{Name: name, Data: raw}
}

// Conn is one live client connection as seen by the registry.
type Conn interface {
	ID() string
	// UserID is empty for anonymous connections.
	UserID() ID
	// Deliver queues an event without blocking.
	Deliver(Event) error
	// Terminate closes the connection. Safe to call more than once.
	Terminate()
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   ID
	Username string
	Role     string
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Outbound payloads.

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       ID     `json:"userId,omitempty"`
}

type IncomingCallPayload struct {
	CallerID   ID                        `json:"callerId"`
	CallerName string                    `json:"callerName,omitempty"`
	Offer      webrtc.SessionDescription `json:"offer"`
	MediaKind  MediaKind                 `json:"mediaKind"`
}

type CallAcceptedPayload struct {
	Answer   webrtc.SessionDescription `json:"answer"`
	CalleeID ID                        `json:"calleeId"`
}

type IceCandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	From      ID                      `json:"from"`
}

type CallEndedPayload struct {
	PeerID ID     `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}

type CallFailedPayload struct {
	PeerID ID     `json:"peerId,omitempty"`
	Reason string `json:"reason"`
}

type ChatRefPayload struct {
	ChatID ID `json:"chatId"`
}

type AccountBannedPayload struct {
	Message string `json:"message"`
}

type AuthErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Stats is a point-in-time view of the signaling core.
type Stats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	ActiveCalls int `json:"active_calls"`
}
