package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

const (
	audioOffer = "v=0\r\n" +
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"

	videoOffer = audioOffer +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
)

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: audioOffer}
}

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.1.%d 5000%d typ host", n, n, n),
	}
}

// fakeConn records delivered events in memory.
type fakeConn struct {
	id   string
	user ID

	mu         sync.Mutex
	events     []Event
	refuse     bool
	terminated int
}

func newFakeConn(id string, user ID) *fakeConn {
	return &fakeConn{id: id, user: user}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) UserID() ID { return c.user }

func (c *fakeConn) Deliver(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return ErrSendBufferFull
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated++
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) names() []string {
	var names []string
	for _, ev := range c.received() {
		names = append(names, ev.Name)
	}
	return names
}

func (c *fakeConn) terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// only returns the events named name.
func (c *fakeConn) only(name string) []Event {
	var out []Event
	for _, ev := range c.received() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Name, err)
	}
	return v
}

// online registers conn in its user's personal channel.
func online(r *Registry, conns ...*fakeConn) {
	for _, c := range conns {
		r.Join(c, UserChannel(c.user))
	}
}
