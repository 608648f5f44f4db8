package peerlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/browservpn/relay/internal/protocol"
)

// NewAPI constructs the pion API shared by all transports of an endpoint.
func NewAPI() *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// PionFactory creates WebRTC-backed transports.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewPionFactory(api *webrtc.API, iceServers []webrtc.ICEServer) *PionFactory {
	if api == nil {
		api = NewAPI()
	}
	return &PionFactory{api: api, iceServers: iceServers}
}

func (f *PionFactory) NewTransport() (Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionTransport{
		pc:       pc,
		channels: make(map[ChannelLabel]*webrtc.DataChannel),
	}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[ChannelLabel]*webrtc.DataChannel

	onOpen    func(ChannelLabel)
	onMessage func(ChannelLabel, []byte)
	onClose   func(ChannelLabel)
}

func boolPtr(v bool) *bool    { return &v }
func u16Ptr(v uint16) *uint16 { return &v }

// channelInit returns the DataChannel parameters for each bundle member.
func channelInit(label ChannelLabel) (*webrtc.DataChannelInit, error) {
	switch label {
	case ChannelControl, ChannelBulk:
		return &webrtc.DataChannelInit{Ordered: boolPtr(true)}, nil
	case ChannelLossy:
		return &webrtc.DataChannelInit{
			Ordered:        boolPtr(false),
			MaxRetransmits: u16Ptr(0),
		}, nil
	}
	return nil, fmt.Errorf("unknown channel label %q", label)
}

func (t *pionTransport) CreateOffer() (protocol.SessionDescription, error) {
	for _, label := range []ChannelLabel{ChannelControl, ChannelBulk, ChannelLossy} {
		init, err := channelInit(label)
		if err != nil {
			return protocol.SessionDescription{}, err
		}
		dc, err := t.pc.CreateDataChannel(string(label), init)
		if err != nil {
			return protocol.SessionDescription{}, fmt.Errorf("create %s channel: %w", label, err)
		}
		t.adoptChannel(label, dc)
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SDPFromPion(offer), nil
}

func (t *pionTransport) CreateAnswer(remote protocol.SessionDescription) (protocol.SessionDescription, error) {
	// Answering side: the channel bundle arrives from the offerer.
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.adoptChannel(ChannelLabel(dc.Label()), dc)
	})

	remoteDesc, err := remote.ToPion()
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetRemoteDescription(remoteDesc); err != nil {
		return protocol.SessionDescription{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SDPFromPion(answer), nil
}

func (t *pionTransport) SetRemoteDescription(remote protocol.SessionDescription) error {
	desc, err := remote.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(cand protocol.Candidate) error {
	if cand.Candidate == "" {
		return nil
	}
	return t.pc.AddICECandidate(cand.ToPion())
}

func (t *pionTransport) OnICECandidate(fn func(protocol.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(protocol.CandidateFromPion(c.ToJSON()))
	})
}

func (t *pionTransport) OnChannelOpen(fn func(ChannelLabel)) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnChannelMessage(fn func(ChannelLabel, []byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnChannelClose(fn func(ChannelLabel)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *pionTransport) adoptChannel(label ChannelLabel, dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.channels[label] = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		if fn := t.openHandler(); fn != nil {
			fn(label)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if fn := t.messageHandler(); fn != nil {
			fn(label, msg.Data)
		}
	})
	dc.OnClose(func() {
		if fn := t.closeHandler(); fn != nil {
			fn(label)
		}
	})
}

func (t *pionTransport) openHandler() func(ChannelLabel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onOpen
}

func (t *pionTransport) messageHandler() func(ChannelLabel, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onMessage
}

func (t *pionTransport) closeHandler() func(ChannelLabel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onClose
}

func (t *pionTransport) Send(label ChannelLabel, data []byte) error {
	t.mu.Lock()
	dc, ok := t.channels[label]
	t.mu.Unlock()

	if !ok || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close closes every channel and the peer connection; individual close
// failures don't stop the teardown.
func (t *pionTransport) Close() error {
	t.mu.Lock()
	channels := make([]*webrtc.DataChannel, 0, len(t.channels))
	for _, dc := range t.channels {
		channels = append(channels, dc)
	}
	t.channels = make(map[ChannelLabel]*webrtc.DataChannel)
	t.mu.Unlock()

	var errs []error
	for _, dc := range channels {
		if err := dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
