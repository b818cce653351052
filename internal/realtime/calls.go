// internal/realtime/calls.go
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type CallState string

const (
	CallIdle      CallState = "idle"
	CallCalling   CallState = "calling"
	CallIncoming  CallState = "incoming"
	CallConnected CallState = "connected"
)

// Reasons carried by call_failed and call_ended.
const (
	ReasonBusy          = "busy"
	ReasonUnavailable   = "unavailable"
	ReasonNoAnswer      = "no_answer"
	ReasonAlreadyInCall = "already_in_call"
	ReasonInvalid       = "invalid"
	ReasonHangup        = "hangup"
	ReasonDeclined      = "declined"
	ReasonDisconnected  = "disconnected"
)

// CallSession is one two-party call being negotiated or in progress.
type CallSession struct {
	ID         string
	Caller     ID
	Callee     ID
	CallerName string
	Kind       MediaKind
	Offer      webrtc.SessionDescription
	Answer     *webrtc.SessionDescription
	StartedAt  time.Time
	AnsweredAt time.Time

	callerConn string
	calleeConn string

	// Candidates held until their receiver has a remote description.
	// toCaller holds the callee's candidates, toCallee the caller's.
	toCaller []webrtc.ICECandidateInit
	toCallee []webrtc.ICECandidateInit
}

func (s *CallSession) connected() bool { return s.Answer != nil }

func (s *CallSession) peerOf(user ID) ID {
	if user == s.Caller {
		return s.Callee
	}
	return s.Caller
}

func (s *CallSession) stateOf(user ID) CallState {
	switch {
	case s.connected():
		return CallConnected
	case user == s.Caller:
		return CallCalling
	default:
		return CallIncoming
	}
}

// CallManager is the server-side call signaling state machine. Sessions are
// indexed by both participants so that a user is party to at most one call.
//
// All signaling for a session is delivered while holding mu, which keeps
// call_accepted ahead of the candidates flushed behind it. The lock order is
// CallManager.mu then Registry.mu.
type CallManager struct {
	mu     sync.Mutex
	byUser map[ID]*CallSession

	registry    *Registry
	ringTimeout time.Duration
	now         func() time.Time

	logger  Logger
	metrics *Metrics
}

func NewCallManager(registry *Registry, ringTimeout time.Duration, logger Logger, metrics *Metrics) *CallManager {
	return &CallManager{
		byUser:      make(map[ID]*CallSession),
		registry:    registry,
		ringTimeout: ringTimeout,
		now:         time.Now,
		logger:      orNop(logger),
		metrics:     metrics,
	}
}

// Initiate starts a call from the user behind from to req.CalleeID.
func (m *CallManager) Initiate(from Conn, req CallUser) {
	caller := from.UserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.CalleeID == caller {
		m.reply(from, req.CalleeID, ReasonInvalid)
		return
	}
	if _, busy := m.byUser[caller]; busy {
		m.reply(from, req.CalleeID, ReasonAlreadyInCall)
		return
	}
	if !m.registry.Online(req.CalleeID) {
		m.fail(caller, req.CalleeID, ReasonUnavailable)
		return
	}
	if _, busy := m.byUser[req.CalleeID]; busy {
		m.fail(caller, req.CalleeID, ReasonBusy)
		return
	}

	kind := req.MediaKind
	if kind == "" {
		kind = MediaAudio
	}

	session := &CallSession{
		ID:         uuid.NewString(),
		Caller:     caller,
		Callee:     req.CalleeID,
		CallerName: req.CallerName,
		Kind:       kind,
		Offer:      req.Offer,
		StartedAt:  m.now(),
		callerConn: from.ID(),
	}
	m.byUser[caller] = session
	m.byUser[req.CalleeID] = session

	delivered := m.registry.Broadcast(UserChannel(req.CalleeID), NewEvent(EventIncomingCall, IncomingCallPayload{
		CallerID:   caller,
		CallerName: req.CallerName,
		Offer:      req.Offer,
		MediaKind:  kind,
	}))
	if delivered == 0 {
		// Every callee connection went away between the check and delivery.
		m.dropLocked(session)
		m.fail(caller, req.CalleeID, ReasonUnavailable)
		return
	}

	m.metrics.callOutcome("started", m.activeLocked())
	m.logger.Info("Call started",
		"call_id", session.ID,
		"caller_id", caller,
		"callee_id", req.CalleeID,
		"media_kind", kind)
}

// Answer relays the callee's answer to the caller and then flushes every
// candidate that was waiting on either side.
func (m *CallManager) Answer(from Conn, req AnswerCall) {
	callee := from.UserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byUser[callee]
	if session == nil || session.Callee != callee || session.Caller != req.CallerID || session.connected() {
		m.logger.Debug("Ignoring stale answer", "user_id", callee, "caller_id", req.CallerID)
		return
	}

	answer := req.Answer
	session.Answer = &answer
	session.AnsweredAt = m.now()
	session.calleeConn = from.ID()

	m.registry.Broadcast(UserChannel(session.Caller), NewEvent(EventCallAccepted, CallAcceptedPayload{
		Answer:   answer,
		CalleeID: callee,
	}))

	for _, c := range session.toCaller {
		m.relay(session.Caller, session.Callee, c)
	}
	for _, c := range session.toCallee {
		m.relay(session.Callee, session.Caller, c)
	}
	session.toCaller = nil
	session.toCallee = nil

	m.metrics.callOutcome("answered", m.activeLocked())
	m.logger.Info("Call answered", "call_id", session.ID, "caller_id", session.Caller, "callee_id", callee)
}

// Candidate relays an ICE candidate to the sender's peer, or queues it when
// the peer cannot apply it yet.
func (m *CallManager) Candidate(from Conn, req SendIceCandidate) {
	sender := from.UserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byUser[sender]
	if session == nil || session.peerOf(sender) != req.PeerID {
		m.logger.Debug("Ignoring candidate outside a call", "user_id", sender, "peer_id", req.PeerID)
		return
	}

	if session.connected() {
		m.relay(req.PeerID, sender, req.Candidate)
		return
	}

	if req.PeerID == session.Caller {
		session.toCaller = append(session.toCaller, req.Candidate)
	} else {
		session.toCallee = append(session.toCallee, req.Candidate)
	}
	m.metrics.candidateQueued()
}

// End tears down the sender's session and notifies the peer. Ending a call
// that does not exist is a no-op.
func (m *CallManager) End(from Conn, req EndCall) {
	user := from.UserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byUser[user]
	if session == nil {
		return
	}
	peer := session.peerOf(user)
	if req.PeerID != "" && req.PeerID != peer {
		return
	}

	reason := ReasonHangup
	if !session.connected() && user == session.Callee {
		reason = ReasonDeclined
	}
	m.endLocked(session, user, reason)
}

// ConnectionClosed applies disconnect-as-end. The call ends when the closed
// connection is the one carrying the call, or when it was the user's last.
func (m *CallManager) ConnectionClosed(connID string, user ID, remaining int) {
	if user == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byUser[user]
	if session == nil {
		return
	}
	owned := (user == session.Caller && session.callerConn == connID) ||
		(user == session.Callee && session.calleeConn == connID)
	if !owned && remaining > 0 {
		return
	}
	m.endLocked(session, user, ReasonDisconnected)
}

// Drop ends any call the user is in, as if they had disconnected.
func (m *CallManager) Drop(user ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session := m.byUser[user]; session != nil {
		m.endLocked(session, user, ReasonDisconnected)
	}
}

// Sweep expires calls that rang longer than the ring timeout. It returns
// the number of calls expired.
func (m *CallManager) Sweep(now time.Time) int {
	if m.ringTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*CallSession
	for user, session := range m.byUser {
		if user != session.Caller || session.connected() {
			continue
		}
		if now.Sub(session.StartedAt) >= m.ringTimeout {
			expired = append(expired, session)
		}
	}

	for _, session := range expired {
		m.dropLocked(session)
		m.fail(session.Caller, session.Callee, ReasonNoAnswer)
		m.registry.Broadcast(UserChannel(session.Callee), NewEvent(EventCallEnded, CallEndedPayload{
			PeerID: session.Caller,
			Reason: ReasonNoAnswer,
		}))
		m.logger.Info("Call expired", "call_id", session.ID, "caller_id", session.Caller, "callee_id", session.Callee)
	}
	return len(expired)
}

// State reports the user's view of their current call.
func (m *CallManager) State(user ID) CallState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session := m.byUser[user]; session != nil {
		return session.stateOf(user)
	}
	return CallIdle
}

// Session returns a copy of the user's current session.
func (m *CallManager) Session(user ID) (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.byUser[user]
	if session == nil {
		return CallSession{}, false
	}
	cp := *session
	cp.toCaller = append([]webrtc.ICECandidateInit(nil), session.toCaller...)
	cp.toCallee = append([]webrtc.ICECandidateInit(nil), session.toCallee...)
	return cp, true
}

// Active returns the number of live sessions.
func (m *CallManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *CallManager) endLocked(session *CallSession, by ID, reason string) {
	m.dropLocked(session)

	peer := session.peerOf(by)
	m.registry.Broadcast(UserChannel(peer), NewEvent(EventCallEnded, CallEndedPayload{
		PeerID: by,
		Reason: reason,
	}))

	m.metrics.callOutcome(reason, m.activeLocked())
	m.logger.Info("Call ended", "call_id", session.ID, "ended_by", by, "reason", reason)
}

func (m *CallManager) dropLocked(session *CallSession) {
	if m.byUser[session.Caller] == session {
		delete(m.byUser, session.Caller)
	}
	if m.byUser[session.Callee] == session {
		delete(m.byUser, session.Callee)
	}
}

func (m *CallManager) activeLocked() int {
	return len(m.byUser) / 2
}

func (m *CallManager) relay(to, from ID, candidate webrtc.ICECandidateInit) {
	m.registry.Broadcast(UserChannel(to), NewEvent(EventReceiveIceCandidate, IceCandidatePayload{
		Candidate: candidate,
		From:      from,
	}))
}

// fail reports a call attempt outcome to every connection of the caller.
func (m *CallManager) fail(caller, callee ID, reason string) {
	m.registry.Broadcast(UserChannel(caller), NewEvent(EventCallFailed, CallFailedPayload{
		PeerID: callee,
		Reason: reason,
	}))
	m.metrics.callOutcome(reason, m.activeLocked())
}

// reply reports a rejected request to the connection that sent it only.
func (m *CallManager) reply(to Conn, callee ID, reason string) {
	if err := to.Deliver(NewEvent(EventCallFailed, CallFailedPayload{PeerID: callee, Reason: reason})); err != nil {
		m.logger.Debug("Failed to deliver call failure", "client_id", to.ID(), "error", err)
	}
	m.metrics.callOutcome(reason, m.activeLocked())
}
