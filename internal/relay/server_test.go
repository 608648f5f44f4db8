package relay

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/browservpn/relay/internal/metrics"
	"github.com/browservpn/relay/internal/protocol"
	"github.com/browservpn/relay/internal/registry"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, logger, registry.New(), metrics.New(), clock.NewMock())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return srv, ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendMsg(t *testing.T, c *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON %s: %v", msg.Type, err)
	}
}

func readMsg(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse %q: %v", data, err)
	}
	return msg
}

func expectNoMessage(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %q", data)
	}
	if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Fatalf("expected read timeout; got %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
}

func registerGateway(t *testing.T, c *websocket.Conn, gatewayID string) {
	t.Helper()
	sendMsg(t, c, protocol.Message{Type: protocol.TypeRegisterGateway, GatewayID: gatewayID})
	got := readMsg(t, c)
	if got.Type != protocol.TypeRegistered || got.GatewayID != gatewayID {
		t.Fatalf("got %+v, want registered %s", got, gatewayID)
	}
}

// connectClient binds cli to the gateway and returns the client id the
// gateway was told about.
func connectClient(t *testing.T, cli, gw *websocket.Conn, gatewayID string) string {
	t.Helper()
	sendMsg(t, cli, protocol.Message{Type: protocol.TypeConnectToGateway, GatewayID: gatewayID, Password: "hunter2"})

	accepted := readMsg(t, cli)
	if accepted.Type != protocol.TypeConnectionAccepted || accepted.GatewayID != gatewayID {
		t.Fatalf("got %+v, want connectionAccepted %s", accepted, gatewayID)
	}

	notice := readMsg(t, gw)
	if notice.Type != protocol.TypeClientConnecting {
		t.Fatalf("got %+v, want clientConnecting", notice)
	}
	if !strings.HasPrefix(notice.ClientID, registry.ClientIDPrefix) {
		t.Fatalf("client id %q missing %q prefix", notice.ClientID, registry.ClientIDPrefix)
	}
	return notice.ClientID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterGateway_DuplicateIDRejected(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw1 := dialRelay(t, ts)
	registerGateway(t, gw1, "GW-ALPHA")

	gw2 := dialRelay(t, ts)
	sendMsg(t, gw2, protocol.Message{Type: protocol.TypeRegisterGateway, GatewayID: "GW-ALPHA"})
	got := readMsg(t, gw2)
	if got.Type != protocol.TypeError {
		t.Fatalf("got %+v, want error", got)
	}
	if got.Message != "Gateway ID already in use" {
		t.Fatalf("error message %q, want %q", got.Message, "Gateway ID already in use")
	}

	// The original registration is untouched: clients can still bind.
	cli := dialRelay(t, ts)
	connectClient(t, cli, gw1, "GW-ALPHA")
	if n := srv.Registry().GatewayCount(); n != 1 {
		t.Fatalf("GatewayCount=%d, want 1", n)
	}
}

func TestConnectToGateway_UnknownGatewayRejected(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	cli := dialRelay(t, ts)
	sendMsg(t, cli, protocol.Message{Type: protocol.TypeConnectToGateway, GatewayID: "GW-NOPE1"})
	got := readMsg(t, cli)
	if got.Type != protocol.TypeConnectionRejected {
		t.Fatalf("got %+v, want connectionRejected", got)
	}
	if got.Reason != "Gateway not found" {
		t.Fatalf("reason %q, want %q", got.Reason, "Gateway not found")
	}
}

func TestRouting_ScopedAndFromStamped(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-ROUTE")

	cli1 := dialRelay(t, ts)
	id1 := connectClient(t, cli1, gw, "GW-ROUTE")
	cli2 := dialRelay(t, ts)
	id2 := connectClient(t, cli2, gw, "GW-ROUTE")
	if id1 == id2 {
		t.Fatalf("duplicate client id %q", id1)
	}

	// Gateway -> named client only.
	sendMsg(t, gw, protocol.Message{
		Type:  protocol.TypeOffer,
		To:    id1,
		Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0 offer-for-1"},
	})
	offer := readMsg(t, cli1)
	if offer.Type != protocol.TypeOffer || offer.Offer == nil || offer.Offer.SDP != "v=0 offer-for-1" {
		t.Fatalf("got %+v, want forwarded offer", offer)
	}
	if offer.From != "GW-ROUTE" {
		t.Fatalf("offer from %q, want %q", offer.From, "GW-ROUTE")
	}
	expectNoMessage(t, cli2)

	// Client -> its bound gateway, stamped with the client id.
	sendMsg(t, cli1, protocol.Message{
		Type:   protocol.TypeAnswer,
		To:     "GW-ROUTE",
		Answer: &protocol.SessionDescription{Type: "answer", SDP: "v=0 answer-from-1"},
	})
	answer := readMsg(t, gw)
	if answer.Type != protocol.TypeAnswer || answer.Answer == nil || answer.Answer.SDP != "v=0 answer-from-1" {
		t.Fatalf("got %+v, want forwarded answer", answer)
	}
	if answer.From != id1 {
		t.Fatalf("answer from %q, want %q", answer.From, id1)
	}

	sendMsg(t, cli2, protocol.Message{
		Type:      protocol.TypeICE,
		To:        "GW-ROUTE",
		Candidate: &protocol.Candidate{Candidate: "candidate:0 1 udp 1 192.0.2.1 4242 typ host"},
	})
	ice := readMsg(t, gw)
	if ice.Type != protocol.TypeICE || ice.Candidate == nil {
		t.Fatalf("got %+v, want forwarded ice", ice)
	}
	if ice.From != id2 {
		t.Fatalf("ice from %q, want %q", ice.From, id2)
	}
}

func TestRouting_UnknownDestinationDropped(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-DROPS")

	sendMsg(t, gw, protocol.Message{
		Type:  protocol.TypeOffer,
		To:    "CLIENT-GHOST",
		Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	// The sender sees no error and stays usable.
	sendMsg(t, gw, protocol.Message{Type: protocol.TypePing})
	if got := readMsg(t, gw); got.Type != protocol.TypePong {
		t.Fatalf("got %+v, want pong", got)
	}
}

func TestGatewayClose_CascadesToClients(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-GONE1")

	cli1 := dialRelay(t, ts)
	connectClient(t, cli1, gw, "GW-GONE1")
	cli2 := dialRelay(t, ts)
	connectClient(t, cli2, gw, "GW-GONE1")

	_ = gw.Close()

	for _, cli := range []*websocket.Conn{cli1, cli2} {
		got := readMsg(t, cli)
		if got.Type != protocol.TypeGatewayDisconnected {
			t.Fatalf("got %+v, want gatewayDisconnected", got)
		}
	}

	waitFor(t, "registry drained", func() bool {
		return srv.Registry().GatewayCount() == 0 && srv.Registry().ClientCount() == 0
	})

	// The id is free for a fresh registration.
	gw2 := dialRelay(t, ts)
	registerGateway(t, gw2, "GW-GONE1")
}

func TestClientClose_NotifiesGateway(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-STAYS")

	cli := dialRelay(t, ts)
	clientID := connectClient(t, cli, gw, "GW-STAYS")

	_ = cli.Close()

	got := readMsg(t, gw)
	if got.Type != protocol.TypeClientDisconnected || got.ClientID != clientID {
		t.Fatalf("got %+v, want clientDisconnected %s", got, clientID)
	}

	waitFor(t, "client unbound", func() bool {
		return srv.Registry().ClientCount() == 0
	})
	if n := srv.Registry().GatewayCount(); n != 1 {
		t.Fatalf("GatewayCount=%d, want 1", n)
	}
}

func TestMalformedFramesLeaveConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	c := dialRelay(t, ts)
	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","bogus":1}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"registerGateway"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	sendMsg(t, c, protocol.Message{Type: protocol.TypePing})
	if got := readMsg(t, c); got.Type != protocol.TypePong {
		t.Fatalf("got %+v, want pong", got)
	}
}

func TestRateLimit_ClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessagesPerSecond: 2})

	c := dialRelay(t, ts)
	for i := 0; i < 3; i++ {
		sendMsg(t, c, protocol.Message{Type: protocol.TypePing})
	}

	var err error
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for err == nil {
		_, _, err = c.ReadMessage()
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close; got %v", err)
	}
}

// unidentifiedConn waits for a tracked connection that has not identified
// itself yet.
func unidentifiedConn(t *testing.T, srv *Server) *conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range srv.snapshotConns() {
			if c.currentRole().kind == roleUnidentified {
				return c
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for unidentified connection")
	return nil
}

func TestHandshakeAfterTermination_LeavesNoOrphanEntry(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-STAYS")

	dialRelay(t, ts)
	target := unidentifiedConn(t, srv)

	// A liveness eviction can terminate the connection while its handshake
	// frame is still queued. Processing the frame afterwards must not seed
	// the registry: nothing would ever remove the entry.
	target.terminate()
	srv.dispatch(target, protocol.Message{Type: protocol.TypeConnectToGateway, GatewayID: "GW-STAYS"})
	if got := srv.Registry().ClientCount(); got != 0 {
		t.Fatalf("ClientCount=%d after dead bind, want 0", got)
	}
	expectNoMessage(t, gw)

	srv.dispatch(target, protocol.Message{Type: protocol.TypeRegisterGateway, GatewayID: "GW-DEAD1"})
	if _, ok := srv.Registry().LookupGateway("GW-DEAD1"); ok {
		t.Fatal("dead connection registered a gateway")
	}
	if got := srv.Registry().GatewayCount(); got != 1 {
		t.Fatalf("GatewayCount=%d, want 1", got)
	}
}

func TestLiveness_EvictsSilentConnection(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-QUIET")

	// First sweep clears the traffic flag; the endpoint never reads, so the
	// transport ping goes unanswered. Second sweep evicts.
	srv.sweep()
	if n := srv.Registry().GatewayCount(); n != 1 {
		t.Fatalf("GatewayCount=%d after first sweep, want 1", n)
	}
	srv.sweep()
	if n := srv.Registry().GatewayCount(); n != 0 {
		t.Fatalf("GatewayCount=%d after second sweep, want 0", n)
	}

	_ = gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := gw.ReadMessage(); err != nil {
			break
		}
	}

	// Eviction freed the id.
	gw2 := dialRelay(t, ts)
	registerGateway(t, gw2, "GW-QUIET")
}

func TestLiveness_TrafficKeepsConnectionAlive(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	gw := dialRelay(t, ts)
	registerGateway(t, gw, "GW-CHATTY")

	for i := 0; i < 3; i++ {
		srv.sweep()
		sendMsg(t, gw, protocol.Message{Type: protocol.TypePing})
		if got := readMsg(t, gw); got.Type != protocol.TypePong {
			t.Fatalf("got %+v, want pong", got)
		}
	}

	if n := srv.Registry().GatewayCount(); n != 1 {
		t.Fatalf("GatewayCount=%d, want 1", n)
	}
}
