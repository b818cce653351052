// internal/realtime/dispatch.go
package realtime

import (
	"context"
	"errors"
	"time"
)

// dispatch routes one decoded client frame. Nothing here blocks on other
// clients; membership checks are the only I/O.
func (s *Server) dispatch(c *Client, frame []byte) {
	msg, err := DecodeInbound(frame)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			s.metrics.eventReceived("unknown")
		}
		s.logger.Debug("Rejected client frame", "client_id", c.id, "error", err)
		c.sendError(err.Error())
		return
	}

	switch m := msg.(type) {
	case JoinUserRoom:
		s.metrics.eventReceived(EventJoinUserRoom)
		s.joinUserRoom(c, m)

	case JoinChat:
		s.metrics.eventReceived(EventJoinChat)
		s.joinChat(c, m)

	case LeaveChat:
		s.metrics.eventReceived(EventLeaveChat)
		s.registry.Leave(c, ChatChannel(m.ChatID))

	case CallUser:
		s.metrics.eventReceived(EventCallUser)
		if s.requireIdentity(c) {
			s.calls.Initiate(c, m)
		}

	case AnswerCall:
		s.metrics.eventReceived(EventAnswerCall)
		if s.requireIdentity(c) {
			s.calls.Answer(c, m)
		}

	case SendIceCandidate:
		s.metrics.eventReceived(EventSendIceCandidate)
		if s.requireIdentity(c) {
			s.calls.Candidate(c, m)
		}

	case EndCall:
		s.metrics.eventReceived(EventEndCall)
		if c.identity != nil {
			s.calls.End(c, m)
		}

	case Ping:
		s.metrics.eventReceived(EventPing)
		if err := c.Deliver(NewEvent(EventPong, nil)); err != nil {
			s.logger.Debug("Failed to deliver pong", "client_id", c.id, "error", err)
		}
	}
}

func (s *Server) requireIdentity(c *Client) bool {
	if c.identity == nil {
		c.sendError("authentication required")
		return false
	}
	return true
}

// joinUserRoom lets a connection subscribe to its own personal channel only.
func (s *Server) joinUserRoom(c *Client, m JoinUserRoom) {
	if !s.requireIdentity(c) {
		return
	}
	if m.UserID != c.identity.UserID {
		s.logger.Warn("Refused foreign user room",
			"client_id", c.id,
			"user_id", c.identity.UserID,
			"requested", m.UserID)
		c.sendError("cannot join another user's room")
		return
	}
	s.registry.Join(c, UserChannel(m.UserID))
}

func (s *Server) joinChat(c *Client, m JoinChat) {
	if s.members == nil {
		s.registry.Join(c, ChatChannel(m.ChatID))
		return
	}
	if !s.requireIdentity(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ok, err := s.members.IsChatMember(ctx, string(m.ChatID), string(c.identity.UserID))
	if err != nil {
		s.logger.Error("Failed to check chat membership",
			"chat_id", m.ChatID,
			"user_id", c.identity.UserID,
			"error", err)
		c.sendError("unable to join chat")
		return
	}
	if !ok {
		c.sendError("not a member of this chat")
		return
	}

	s.registry.Join(c, ChatChannel(m.ChatID))
}
