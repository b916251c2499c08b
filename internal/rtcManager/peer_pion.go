package rtcManager

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/config"
	"github.com/mikeyg42/fieldcall/internal/media"
)

// PionConfig configures peer connections backed by pion/webrtc.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// RegisterCodecs populates the media engine with the local encoders.
	// When nil the pion default codecs are registered.
	RegisterCodecs func(me *webrtc.MediaEngine)

	// RemoteSink receives every RTP packet of every remote track. When nil
	// packets are read and dropped.
	RemoteSink func(kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

// ICEServersFromConfig converts configured ICE servers for pion.
func ICEServersFromConfig(servers []config.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

// NewPionFactory returns a PeerFactory that builds pion peer connections.
func NewPionFactory(cfg PionConfig, logger *zap.Logger) PeerFactory {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("peer")

	return func(events PeerEvents) (PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if cfg.RegisterCodecs != nil {
			cfg.RegisterCodecs(mediaEngine)
		} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}

		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, fmt.Errorf("failed to register interceptors: %w", err)
		}

		settingEngine := webrtc.SettingEngine{}
		settingEngine.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers:         cfg.ICEServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
			SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		p := &pionPeer{pc: pc, sink: cfg.RemoteSink, logger: logger}
		p.setupCallbacks(events)
		return p, nil
	}
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	sink   func(webrtc.RTPCodecType, *rtp.Packet)
	logger *zap.Logger

	mu      sync.Mutex
	senders []media.Sender
}

func (p *pionPeer) setupCallbacks(events PeerEvents) {
	report := func(s TransportState) {
		if events.OnTransportState != nil {
			events.OnTransportState(s)
		}
	}

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}
		events.OnICECandidate(c.ToJSON())
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed {
			report(TransportFailed)
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("Peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			report(TransportConnecting)
		case webrtc.PeerConnectionStateConnected:
			report(TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			report(TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			report(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			report(TransportClosed)
		}
	})

	p.pc.OnNegotiationNeeded(func() {
		if events.OnNegotiationNeeded != nil {
			events.OnNegotiationNeeded()
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("Remote track received",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))

		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(RemoteTrack{
				ID:   track.ID(),
				Kind: track.Kind(),
				Mime: track.Codec().MimeType,
			})
		}
		go p.drain(track)
	})
}

// drain reads a remote track until the connection closes.
func (p *pionPeer) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("Remote track read ended", zap.String("id", track.ID()), zap.Error(err))
			}
			return
		}
		if p.sink != nil {
			p.sink(track.Kind(), pkt)
		}
	}
}

func (p *pionPeer) AddTrack(t media.LocalTrack) (media.Sender, error) {
	rtpSender, err := p.pc.AddTrack(t.TrackLocal())
	if err != nil {
		return nil, err
	}

	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	s := &pionSender{sender: rtpSender, kind: t.Kind(), track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *pionPeer) Senders() []media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Sender(nil), p.senders...)
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// Stats sums the RTP counters across all streams.
func (p *pionPeer) Stats() (StatsSample, error) {
	var out StatsSample
	for _, s := range p.pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.BytesReceived += stat.BytesReceived
			out.PacketsLost += int64(stat.PacketsLost)
			if stat.Kind == "video" {
				out.Width, out.Height = stat.FrameWidth, stat.FrameHeight
			}
		case webrtc.OutboundRTPStreamStats:
			out.BytesSent += stat.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			out.PacketsLost += int64(stat.PacketsLost)
		}
	}
	return out, nil
}

type pionSender struct {
	sender *webrtc.RTPSender
	kind   webrtc.RTPCodecType

	mu    sync.Mutex
	track media.LocalTrack
}

func (s *pionSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *pionSender) Track() media.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(t media.LocalTrack) error {
	if err := s.sender.ReplaceTrack(t.TrackLocal()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}
