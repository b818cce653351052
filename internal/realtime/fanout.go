// internal/realtime/fanout.go
package realtime

import "encoding/json"

// Fanout turns committed chat-domain writes into client events.
type Fanout struct {
	registry *Registry
	logger   Logger
}

func NewFanout(registry *Registry, logger Logger) *Fanout {
	return &Fanout{registry: registry, logger: orNop(logger)}
}

// OnNewMessage sends message to everyone in the chat channel.
func (f *Fanout) OnNewMessage(chatID ID, message json.RawMessage) int {
	n := f.registry.Broadcast(ChatChannel(chatID), NewEvent(EventNewMessage, message))
	f.logger.Debug("Fanned out message", "chat_id", chatID, "recipients", n)
	return n
}

func (f *Fanout) OnMessagesCleared(chatID ID) int {
	return f.registry.Broadcast(ChatChannel(chatID), NewEvent(EventMessagesCleared, ChatRefPayload{ChatID: chatID}))
}

func (f *Fanout) OnMembershipChanged(chatID ID) int {
	return f.registry.Broadcast(ChatChannel(chatID), NewEvent(EventChatMemberUpdated, ChatRefPayload{ChatID: chatID}))
}

// OnMemberRemoved notifies the removed user on their personal channel and
// pulls all of their connections out of the chat channel.
func (f *Fanout) OnMemberRemoved(chatID, userID ID) int {
	n := f.registry.Broadcast(UserChannel(userID), NewEvent(EventRemovedFromChat, ChatRefPayload{ChatID: chatID}))
	evicted := f.registry.EvictFrom(UserChannel(userID), ChatChannel(chatID))

	f.logger.Info("Member removed from chat", "chat_id", chatID, "user_id", userID, "evicted", evicted)
	return n
}

// OnMemberAdded tells the new member about the chat so the client can join it.
func (f *Fanout) OnMemberAdded(chatID, userID ID) int {
	return f.registry.Broadcast(UserChannel(userID), NewEvent(EventAddedToChat, ChatRefPayload{ChatID: chatID}))
}

func (f *Fanout) OnFriendRequest(userID ID, payload json.RawMessage) int {
	return f.registry.Broadcast(UserChannel(userID), NewEvent(EventFriendRequest, payload))
}
