package realtime

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

type callFixture struct {
	registry *Registry
	calls    *CallManager
	a, b, c  *fakeConn
}

func newCallFixture(ringTimeout time.Duration) *callFixture {
	r := NewRegistry(nil, nil)
	f := &callFixture{
		registry: r,
		calls:    NewCallManager(r, ringTimeout, nil, nil),
		a:        newFakeConn("conn-a", "42"),
		b:        newFakeConn("conn-b", "99"),
		c:        newFakeConn("conn-c", "7"),
	}
	online(r, f.a, f.b, f.c)
	return f
}

func (f *callFixture) dial(from *fakeConn, to ID) {
	f.calls.Initiate(from, CallUser{CalleeID: to, Offer: offer(videoOffer), MediaKind: MediaVideo, CallerName: "alice"})
}

func (f *callFixture) connect() {
	f.dial(f.a, "99")
	f.calls.Answer(f.b, AnswerCall{CallerID: "42", Answer: answer()})
}

func TestCallInitiateDeliversIncomingCall(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "99")

	incoming := f.b.only(EventIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("callee got %d incoming_call events", len(incoming))
	}
	got := decodeData[IncomingCallPayload](t, incoming[0])
	if got.CallerID != "42" || got.CallerName != "alice" || got.MediaKind != MediaVideo || got.Offer.SDP != videoOffer {
		t.Errorf("incoming_call = %+v", got)
	}
	if s := f.calls.State("42"); s != CallCalling {
		t.Errorf("caller state = %s", s)
	}
	if s := f.calls.State("99"); s != CallIncoming {
		t.Errorf("callee state = %s", s)
	}
}

func TestCallAnswerConnectsBothSides(t *testing.T) {
	f := newCallFixture(0)
	f.connect()

	accepted := f.a.only(EventCallAccepted)
	if len(accepted) != 1 {
		t.Fatalf("caller got %d call_accepted events", len(accepted))
	}
	got := decodeData[CallAcceptedPayload](t, accepted[0])
	if got.CalleeID != "99" || got.Answer.SDP != audioOffer {
		t.Errorf("call_accepted = %+v", got)
	}
	for _, user := range []ID{"42", "99"} {
		if s := f.calls.State(user); s != CallConnected {
			t.Errorf("state of %s = %s, want connected", user, s)
		}
	}
}

func TestCallCandidatesQueuedUntilAnswer(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "99")

	// Both sides trickle before the answer exists.
	f.calls.Candidate(f.a, SendIceCandidate{PeerID: "99", Candidate: candidate(1)})
	f.calls.Candidate(f.b, SendIceCandidate{PeerID: "42", Candidate: candidate(2)})
	f.calls.Candidate(f.a, SendIceCandidate{PeerID: "99", Candidate: candidate(3)})

	if n := len(f.b.only(EventReceiveIceCandidate)); n != 0 {
		t.Fatalf("callee received %d candidates before answering", n)
	}
	if n := len(f.a.only(EventReceiveIceCandidate)); n != 0 {
		t.Fatalf("caller received %d candidates before the answer", n)
	}
	if s, _ := f.calls.Session("42"); len(s.toCallee) != 2 || len(s.toCaller) != 1 {
		t.Fatalf("queues = %d to callee, %d to caller", len(s.toCallee), len(s.toCaller))
	}

	f.calls.Answer(f.b, AnswerCall{CallerID: "42", Answer: answer()})
	f.calls.Candidate(f.a, SendIceCandidate{PeerID: "99", Candidate: candidate(4)})

	if got, want := f.a.names(), []string{EventCallAccepted, EventReceiveIceCandidate}; !reflect.DeepEqual(got, want) {
		t.Errorf("caller events = %v, want %v", got, want)
	}
	fromCallee := decodeData[IceCandidatePayload](t, f.a.only(EventReceiveIceCandidate)[0])
	if fromCallee.Candidate.Candidate != candidate(2).Candidate || fromCallee.From != "99" {
		t.Errorf("caller candidate = %+v", fromCallee)
	}

	var order []string
	for _, ev := range f.b.only(EventReceiveIceCandidate) {
		p := decodeData[IceCandidatePayload](t, ev)
		if p.From != "42" {
			t.Errorf("candidate tagged from %s", p.From)
		}
		order = append(order, p.Candidate.Candidate)
	}
	want := []string{candidate(1).Candidate, candidate(3).Candidate, candidate(4).Candidate}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("callee candidate order = %v, want %v", order, want)
	}

	if s, _ := f.calls.Session("42"); len(s.toCallee) != 0 || len(s.toCaller) != 0 {
		t.Error("queues not drained after answer")
	}
}

func TestCallCandidateOutsideCallIgnored(t *testing.T) {
	f := newCallFixture(0)
	f.calls.Candidate(f.a, SendIceCandidate{PeerID: "99", Candidate: candidate(1)})

	f.connect()
	f.b.reset()
	// Wrong peer for an active call.
	f.calls.Candidate(f.a, SendIceCandidate{PeerID: "7", Candidate: candidate(2)})

	if n := len(f.b.received()) + len(f.c.received()); n != 0 {
		t.Errorf("stray candidates produced %d events", n)
	}
}

func TestCallBusy(t *testing.T) {
	f := newCallFixture(0)
	f.connect()

	f.dial(f.c, "99")

	failed := f.c.only(EventCallFailed)
	if len(failed) != 1 {
		t.Fatalf("third party got %d call_failed events", len(failed))
	}
	if got := decodeData[CallFailedPayload](t, failed[0]); got.Reason != ReasonBusy || got.PeerID != "99" {
		t.Errorf("call_failed = %+v", got)
	}
	if s := f.calls.State("7"); s != CallIdle {
		t.Errorf("rejected caller state = %s", s)
	}
	if s := f.calls.State("99"); s != CallConnected {
		t.Errorf("busy callee state = %s", s)
	}
	if n := len(f.b.only(EventIncomingCall)); n != 1 {
		t.Errorf("busy callee saw %d incoming calls", n)
	}
	if s, _ := f.calls.Session("99"); s.Caller != "42" {
		t.Errorf("busy callee session now belongs to %s", s.Caller)
	}
}

func TestCallWhileAlreadyInCall(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "99")
	f.dial(f.a, "7")

	failed := f.a.only(EventCallFailed)
	if len(failed) != 1 {
		t.Fatalf("caller got %d call_failed events", len(failed))
	}
	if got := decodeData[CallFailedPayload](t, failed[0]); got.Reason != ReasonAlreadyInCall {
		t.Errorf("reason = %s", got.Reason)
	}
	if n := len(f.c.received()); n != 0 {
		t.Errorf("second callee got %d events", n)
	}
}

func TestCallSelfIsInvalid(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "42")

	failed := f.a.only(EventCallFailed)
	if len(failed) != 1 || decodeData[CallFailedPayload](t, failed[0]).Reason != ReasonInvalid {
		t.Fatalf("events = %v", f.a.names())
	}
	if n := len(f.a.only(EventIncomingCall)); n != 0 {
		t.Error("self call rang")
	}
}

func TestCallUnavailableCallee(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "404")

	failed := f.a.only(EventCallFailed)
	if len(failed) != 1 {
		t.Fatalf("caller got %d call_failed events", len(failed))
	}
	if got := decodeData[CallFailedPayload](t, failed[0]); got.Reason != ReasonUnavailable {
		t.Errorf("reason = %s", got.Reason)
	}
	if s := f.calls.State("42"); s != CallIdle {
		t.Errorf("caller state = %s", s)
	}
}

func TestCallEndFromEitherSide(t *testing.T) {
	for _, tt := range []struct {
		name  string
		ender func(*callFixture) *fakeConn
		peer  func(*callFixture) *fakeConn
	}{
		{name: "caller", ender: func(f *callFixture) *fakeConn { return f.a }, peer: func(f *callFixture) *fakeConn { return f.b }},
		{name: "callee", ender: func(f *callFixture) *fakeConn { return f.b }, peer: func(f *callFixture) *fakeConn { return f.a }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallFixture(0)
			f.connect()
			ender, peer := tt.ender(f), tt.peer(f)

			f.calls.End(ender, EndCall{PeerID: peer.user})

			ended := peer.only(EventCallEnded)
			if len(ended) != 1 {
				t.Fatalf("peer got %d call_ended events", len(ended))
			}
			if got := decodeData[CallEndedPayload](t, ended[0]); got.PeerID != ender.user || got.Reason != ReasonHangup {
				t.Errorf("call_ended = %+v", got)
			}
			for _, user := range []ID{"42", "99"} {
				if s := f.calls.State(user); s != CallIdle {
					t.Errorf("state of %s = %s", user, s)
				}
			}
			if n := f.calls.Active(); n != 0 {
				t.Errorf("Active() = %d", n)
			}

			// Everything after the end is a no-op.
			f.a.reset()
			f.b.reset()
			f.calls.End(ender, EndCall{PeerID: peer.user})
			f.calls.End(peer, EndCall{})
			f.calls.Candidate(ender, SendIceCandidate{PeerID: peer.user, Candidate: candidate(9)})
			f.calls.Answer(f.b, AnswerCall{CallerID: "42", Answer: answer()})
			if n := len(f.a.received()) + len(f.b.received()); n != 0 {
				t.Errorf("stale signaling produced %d events", n)
			}
		})
	}
}

func TestCallDeclinedWhileRinging(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "99")
	f.calls.End(f.b, EndCall{PeerID: "42"})

	ended := f.a.only(EventCallEnded)
	if len(ended) != 1 || decodeData[CallEndedPayload](t, ended[0]).Reason != ReasonDeclined {
		t.Fatalf("caller events = %v", f.a.names())
	}
}

func TestCallEndWithWrongPeerIgnored(t *testing.T) {
	f := newCallFixture(0)
	f.connect()
	f.calls.End(f.a, EndCall{PeerID: "7"})

	if s := f.calls.State("42"); s != CallConnected {
		t.Errorf("state = %s", s)
	}
}

func TestCallDisconnectEndsCall(t *testing.T) {
	f := newCallFixture(0)
	f.connect()

	f.registry.Remove(f.a)
	f.calls.ConnectionClosed(f.a.id, "42", f.registry.MemberCount(UserChannel("42")))

	ended := f.b.only(EventCallEnded)
	if len(ended) != 1 {
		t.Fatalf("remaining participant got %d call_ended events", len(ended))
	}
	if got := decodeData[CallEndedPayload](t, ended[0]); got.PeerID != "42" || got.Reason != ReasonDisconnected {
		t.Errorf("call_ended = %+v", got)
	}
	if s := f.calls.State("99"); s != CallIdle {
		t.Errorf("remaining participant state = %s", s)
	}
}

func TestCallSurvivesUnrelatedTabClosing(t *testing.T) {
	f := newCallFixture(0)
	spare := newFakeConn("conn-a2", "42")
	online(f.registry, spare)
	f.connect()

	f.registry.Remove(spare)
	f.calls.ConnectionClosed(spare.id, "42", f.registry.MemberCount(UserChannel("42")))

	if s := f.calls.State("42"); s != CallConnected {
		t.Errorf("state = %s after an unrelated tab closed", s)
	}

	f.registry.Remove(f.a)
	f.calls.ConnectionClosed(f.a.id, "42", f.registry.MemberCount(UserChannel("42")))
	if s := f.calls.State("99"); s != CallIdle {
		t.Errorf("state = %s after the call tab closed", s)
	}
}

func TestCallRingTimeout(t *testing.T) {
	f := newCallFixture(30 * time.Second)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f.calls.now = func() time.Time { return start }
	f.dial(f.a, "99")

	if n := f.calls.Sweep(start.Add(29 * time.Second)); n != 0 {
		t.Fatalf("Sweep() expired %d calls early", n)
	}
	if n := f.calls.Sweep(start.Add(30 * time.Second)); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}

	failed := f.a.only(EventCallFailed)
	if len(failed) != 1 || decodeData[CallFailedPayload](t, failed[0]).Reason != ReasonNoAnswer {
		t.Errorf("caller events = %v", f.a.names())
	}
	ended := f.b.only(EventCallEnded)
	if len(ended) != 1 || decodeData[CallEndedPayload](t, ended[0]).Reason != ReasonNoAnswer {
		t.Errorf("callee events = %v", f.b.names())
	}
	if f.calls.Active() != 0 {
		t.Error("expired call still active")
	}
}

func TestCallRingTimeoutSparesConnectedCalls(t *testing.T) {
	f := newCallFixture(time.Second)
	f.connect()

	if n := f.calls.Sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("Sweep() expired %d connected calls", n)
	}
}

func TestCallRingTimeoutDisabled(t *testing.T) {
	f := newCallFixture(0)
	f.dial(f.a, "99")

	if n := f.calls.Sweep(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Errorf("Sweep() = %d with expiry disabled", n)
	}
}

func TestCallDropEndsSession(t *testing.T) {
	f := newCallFixture(0)
	f.connect()
	f.calls.Drop("99")

	if len(f.a.only(EventCallEnded)) != 1 {
		t.Errorf("caller events = %v", f.a.names())
	}
	f.calls.Drop("99")
	if len(f.a.only(EventCallEnded)) != 1 {
		t.Error("second Drop produced another event")
	}
}

func TestCallToNonCanonicalIDFailsCleanly(t *testing.T) {
	for _, callee := range []string{"+5", "007", "-0"} {
		t.Run(callee, func(t *testing.T) {
			f := newCallFixture(0)

			frame, err := json.Marshal(map[string]any{
				"event": EventCallUser,
				"data":  map[string]any{"calleeId": callee, "offer": offer(audioOffer)},
			})
			if err != nil {
				t.Fatal(err)
			}
			msg, err := DecodeInbound(frame)
			if err != nil {
				t.Fatalf("DecodeInbound() error = %v", err)
			}
			f.calls.Initiate(f.a, msg.(CallUser))

			failed := f.a.only(EventCallFailed)
			if len(failed) != 1 {
				t.Fatalf("caller got %v", f.a.names())
			}
			got := decodeData[CallFailedPayload](t, failed[0])
			if got.PeerID != ID(callee) || got.Reason != ReasonUnavailable {
				t.Errorf("call_failed = %+v", got)
			}
			if s := f.calls.State("42"); s != CallIdle {
				t.Errorf("caller state = %s", s)
			}
		})
	}
}
