// internal/realtime/registry.go
package realtime

import (
	"sort"
	"sync"
)

// Registry maps channels to the connections subscribed to them.
//
// Every mutation happens under one write lock. Broadcast copies the member
// set under the read lock and delivers after releasing it, so a broadcast
// never observes a connection half-way through removal.
type Registry struct {
	channels map[string]map[string]Conn
	conns    map[string]map[string]struct{}
	mu       sync.RWMutex

	logger  Logger
	metrics *Metrics
}

func NewRegistry(logger Logger, metrics *Metrics) *Registry {
	return &Registry{
		channels: make(map[string]map[string]Conn),
		conns:    make(map[string]map[string]struct{}),
		logger:   orNop(logger),
		metrics:  metrics,
	}
}

// Join subscribes conn to channel. It reports false if conn was already a
// member.
func (r *Registry) Join(conn Conn, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]Conn)
		r.channels[channel] = members
	}
	if _, exists := members[conn.ID()]; exists {
		return false
	}
	members[conn.ID()] = conn

	joined, ok := r.conns[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.conns[conn.ID()] = joined
	}
	joined[channel] = struct{}{}

	r.metrics.channelsChanged(len(r.channels))
	return true
}

// Leave unsubscribes conn from channel. Leaving a channel that conn is not
// in is a no-op.
func (r *Registry) Leave(conn Conn, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(conn.ID(), channel)
}

// Remove drops conn from every channel and returns the channels it left.
func (r *Registry) Remove(conn Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(conn.ID())
}

// Broadcast delivers ev to every connection in channel at the time of the
// call and returns how many accepted it. A recipient that cannot accept the
// event is terminated; the remaining recipients are unaffected.
func (r *Registry) Broadcast(channel string, ev Event) int {
	if err := ev.Err(); err != nil {
		r.logger.Error("Dropping unencodable event", "channel", channel, "event", ev.Name, "error", err)
		return 0
	}

	r.mu.RLock()
	members := r.channels[channel]
	recipients := make([]Conn, 0, len(members))
	for _, conn := range members {
		recipients = append(recipients, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range recipients {
		if err := conn.Deliver(ev); err != nil {
			r.metrics.deliveryFailed()
			r.logger.Warn("Dropping slow client",
				"client_id", conn.ID(),
				"user_id", conn.UserID(),
				"channel", channel,
				"event", ev.Name,
				"error", err)
			conn.Terminate()
			continue
		}
		delivered++
	}

	r.metrics.eventSent(ev.Name, delivered)
	return delivered
}

// DisconnectAll terminates every connection in channel and removes each of
// them from all channels. Terminate runs after the lock is released, so a
// connection closing itself concurrently cannot deadlock against it.
func (r *Registry) DisconnectAll(channel string) int {
	r.mu.Lock()
	members := r.channels[channel]
	victims := make([]Conn, 0, len(members))
	for _, conn := range members {
		victims = append(victims, conn)
	}
	for _, conn := range victims {
		r.removeLocked(conn.ID())
	}
	r.mu.Unlock()

	for _, conn := range victims {
		conn.Terminate()
	}

	if len(victims) > 0 {
		r.logger.Info("Disconnected channel members", "channel", channel, "count", len(victims))
	}
	return len(victims)
}

// EvictFrom removes every connection of channel owner from target, e.g.
// all tabs of a user from a chat they were removed from.
func (r *Registry) EvictFrom(owner, target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id := range r.channels[owner] {
		if r.leaveLocked(id, target) {
			evicted++
		}
	}
	return evicted
}

// Members returns the connections currently in channel.
func (r *Registry) Members(channel string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]Conn, 0, len(r.channels[channel]))
	for _, conn := range r.channels[channel] {
		members = append(members, conn)
	}
	return members
}

// MemberCount returns the number of connections in channel.
func (r *Registry) MemberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// Channels returns the sorted channel names a connection belongs to.
func (r *Registry) Channels(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns[connID]))
	for name := range r.conns[connID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Online reports whether a user has at least one connection in their
// personal channel.
func (r *Registry) Online(userID ID) bool {
	return r.MemberCount(UserChannel(userID)) > 0
}

func (r *Registry) Stats() (connections, channels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.channels)
}

func (r *Registry) leaveLocked(connID, channel string) bool {
	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}

	if joined, ok := r.conns[connID]; ok {
		delete(joined, channel)
		if len(joined) == 0 {
			delete(r.conns, connID)
		}
	}

	r.metrics.channelsChanged(len(r.channels))
	return true
}

func (r *Registry) removeLocked(connID string) []string {
	joined := r.conns[connID]
	left := make([]string, 0, len(joined))
	for channel := range joined {
		left = append(left, channel)
	}
	for _, channel := range left {
		r.leaveLocked(connID, channel)
	}
	delete(r.conns, connID)
	sort.Strings(left)
	return left
}
