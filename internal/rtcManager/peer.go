package rtcManager

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/fieldcall/internal/media"
)

// TransportState is the connectivity of the underlying peer transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (t TransportState) String() string {
	switch t {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatsSample is a cumulative transport counter reading.
type StatsSample struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsLost   int64
	Width         uint32
	Height        uint32
}

// StatsSource reads the current cumulative counters.
type StatsSource interface {
	Stats() (StatsSample, error)
}

// PeerConnection is the subset of a WebRTC peer connection a session
// drives. Implementations deliver events through the PeerEvents they were
// built with; events may arrive on any goroutine.
type PeerConnection interface {
	media.TrackBinder
	StatsSource

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// PeerEvents are the callbacks a PeerConnection reports through.
type PeerEvents struct {
	OnICECandidate      func(c webrtc.ICECandidateInit)
	OnTransportState    func(s TransportState)
	OnNegotiationNeeded func()
	OnRemoteTrack       func(t RemoteTrack)
}

// PeerFactory creates the peer connection for one session.
type PeerFactory func(events PeerEvents) (PeerConnection, error)

// ICE timeouts for the pion setting engine.
const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)
