// internal/realtime/moderation.go
package realtime

import "context"

// SuspensionCache is invalidated when an account is banned so the next
// connection attempt sees the new flag.
type SuspensionCache interface {
	Invalidate(ctx context.Context, userID string) error
}

// Moderation pushes administrative decisions to a user's live sessions.
type Moderation struct {
	registry *Registry
	calls    *CallManager
	cache    SuspensionCache
	logger   Logger
}

func NewModeration(registry *Registry, calls *CallManager, cache SuspensionCache, logger Logger) *Moderation {
	return &Moderation{registry: registry, calls: calls, cache: cache, logger: orNop(logger)}
}

// NotifyBanned sends account_banned to every session of the user and then
// disconnects them. It returns the number of connections closed.
func (m *Moderation) NotifyBanned(ctx context.Context, userID ID, message string) int {
	if message == "" {
		message = "Your account has been banned"
	}

	if m.cache != nil {
		if err := m.cache.Invalidate(ctx, string(userID)); err != nil {
			m.logger.Warn("Failed to invalidate suspension cache", "user_id", userID, "error", err)
		}
	}

	channel := UserChannel(userID)
	m.registry.Broadcast(channel, NewEvent(EventAccountBanned, AccountBannedPayload{Message: message}))
	n := m.registry.DisconnectAll(channel)
	m.calls.Drop(userID)

	m.logger.Info("Banned user disconnected", "user_id", userID, "connections", n)
	return n
}

// NotifyAuthInvalidated ends every session of the user after telling them
// why, e.g. after a password change.
func (m *Moderation) NotifyAuthInvalidated(userID ID, message string) int {
	if message == "" {
		message = "Your session is no longer valid"
	}

	channel := UserChannel(userID)
	m.registry.Broadcast(channel, NewEvent(EventAuthError, AuthErrorPayload{
		Message: message,
		Code:    AuthCodeSessionInvalidated,
	}))
	n := m.registry.DisconnectAll(channel)
	m.calls.Drop(userID)

	m.logger.Info("User sessions invalidated", "user_id", userID, "connections", n)
	return n
}
