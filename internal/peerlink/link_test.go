package peerlink

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/browservpn/relay/internal/protocol"
)

// stubTransport records sends and lets tests inject inbound channel traffic.
type stubTransport struct {
	mu     sync.Mutex
	sends  map[ChannelLabel][][]byte
	closed int

	onMsg func(ChannelLabel, []byte)
}

func newStubTransport() *stubTransport {
	return &stubTransport{sends: make(map[ChannelLabel][][]byte)}
}

func (s *stubTransport) CreateOffer() (protocol.SessionDescription, error) {
	return protocol.SessionDescription{Type: "offer", SDP: "v=0"}, nil
}

func (s *stubTransport) CreateAnswer(protocol.SessionDescription) (protocol.SessionDescription, error) {
	return protocol.SessionDescription{Type: "answer", SDP: "v=0"}, nil
}

func (s *stubTransport) SetRemoteDescription(protocol.SessionDescription) error { return nil }
func (s *stubTransport) AddICECandidate(protocol.Candidate) error               { return nil }
func (s *stubTransport) OnICECandidate(func(protocol.Candidate))                {}
func (s *stubTransport) OnChannelOpen(func(ChannelLabel))                       {}
func (s *stubTransport) OnChannelClose(func(ChannelLabel))                      {}

func (s *stubTransport) OnChannelMessage(fn func(ChannelLabel, []byte)) { s.onMsg = fn }

func (s *stubTransport) Send(label ChannelLabel, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[label] = append(s.sends[label], data)
	return nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) deliver(label ChannelLabel, data []byte) {
	s.onMsg(label, data)
}

func (s *stubTransport) sent(label ChannelLabel) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sends[label]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLink_CountsBothDirections(t *testing.T) {
	tr := newStubTransport()
	var aggregate Counters
	l := NewLink("CLIENT-AAAAA", tr, &aggregate, testLogger())

	if err := l.Send(ChannelBulk, []byte("12345")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := l.Send(ChannelLossy, []byte("123")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tr.deliver(ChannelBulk, []byte("1234567"))

	if got := l.Counters().BytesOut(); got != 8 {
		t.Fatalf("BytesOut=%d, want 8", got)
	}
	if got := l.Counters().BytesIn(); got != 7 {
		t.Fatalf("BytesIn=%d, want 7", got)
	}
	if got := aggregate.BytesOut(); got != 8 {
		t.Fatalf("aggregate BytesOut=%d, want 8", got)
	}
	if got := aggregate.BytesIn(); got != 7 {
		t.Fatalf("aggregate BytesIn=%d, want 7", got)
	}
}

func TestLink_AggregateSharedAcrossLinks(t *testing.T) {
	var aggregate Counters
	tr1 := newStubTransport()
	tr2 := newStubTransport()
	l1 := NewLink("CLIENT-AAAAA", tr1, &aggregate, testLogger())
	l2 := NewLink("CLIENT-BBBBB", tr2, &aggregate, testLogger())

	if err := l1.Send(ChannelBulk, []byte("1234")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := l2.Send(ChannelBulk, []byte("123456")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := l1.Counters().BytesOut(); got != 4 {
		t.Fatalf("l1 BytesOut=%d, want 4", got)
	}
	if got := l2.Counters().BytesOut(); got != 6 {
		t.Fatalf("l2 BytesOut=%d, want 6", got)
	}
	if got := aggregate.BytesOut(); got != 10 {
		t.Fatalf("aggregate BytesOut=%d, want 10", got)
	}
}

func TestLink_ControlKeepalive(t *testing.T) {
	tr := newStubTransport()
	l := NewLink("CLIENT-AAAAA", tr, nil, testLogger())

	tr.deliver(ChannelControl, []byte(`{"type":"ping"}`))

	sent := tr.sent(ChannelControl)
	if len(sent) != 1 || string(sent[0]) != `{"type":"pong"}` {
		t.Fatalf("control sends %q, want one pong", sent)
	}

	// A pong and junk both terminate without a reply.
	tr.deliver(ChannelControl, []byte(`{"type":"pong"}`))
	tr.deliver(ChannelControl, []byte(`not json`))
	if got := len(tr.sent(ChannelControl)); got != 1 {
		t.Fatalf("control sends=%d, want 1", got)
	}

	if err := l.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	sent = tr.sent(ChannelControl)
	if string(sent[len(sent)-1]) != `{"type":"ping"}` {
		t.Fatalf("last control send %q, want ping", sent[len(sent)-1])
	}
}

func TestLink_BulkTrafficSkipsControlHandling(t *testing.T) {
	tr := newStubTransport()
	l := NewLink("CLIENT-AAAAA", tr, nil, testLogger())

	// A ping-shaped payload on a data channel is just bytes.
	tr.deliver(ChannelBulk, []byte(`{"type":"ping"}`))
	if got := len(tr.sent(ChannelControl)); got != 0 {
		t.Fatalf("control sends=%d, want 0", got)
	}
	if got := l.Counters().BytesIn(); got != 15 {
		t.Fatalf("BytesIn=%d, want 15", got)
	}
}

func TestLink_CloseIdempotent(t *testing.T) {
	tr := newStubTransport()
	l := NewLink("CLIENT-AAAAA", tr, nil, testLogger())

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if closed != 1 {
		t.Fatalf("transport closed %d times, want 1", closed)
	}

	if err := l.Send(ChannelBulk, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close: %v, want ErrClosed", err)
	}
	if got := l.Counters().BytesOut(); got != 0 {
		t.Fatalf("BytesOut=%d after rejected send, want 0", got)
	}
}
