package rtcManager

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/fieldcall/internal/claims"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateNegotiating
	StateConnected
	StateReconnecting
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// transitions lists the forward edges of the session graph. Ended and
// Failed are reachable from every non-terminal state and are not listed.
var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateNegotiating},
	StateNegotiating:  {StateConnected},
	StateConnected:    {StateReconnecting},
	StateReconnecting: {StateConnected},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RemoteTrack describes a track received from the other participant.
type RemoteTrack struct {
	ID   string              `json:"id"`
	Kind webrtc.RTPCodecType `json:"-"`
	Mime string              `json:"mimeType"`
}

// CallSession holds every session-scoped mutable field. It is owned by one
// Manager and only touched with the Manager's lock held.
type CallSession struct {
	CallID string
	Role   signaling.Role
	Claim  claims.Context

	state   State
	history []State

	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit

	reconnectAttempt int

	remoteTracks []RemoteTrack

	quality       *signaling.ConnectionStats
	remoteQuality *signaling.ConnectionStats
	duration      time.Duration

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   string

	remoteJoined bool
	reannounced  bool
	offerSent    bool

	remoteRecording     bool
	lastRecordingURL    string
	remoteScreenSharing bool
	location            *signaling.Location
}

func newCallSession(callID string, role signaling.Role, claim claims.Context) *CallSession {
	return &CallSession{
		CallID:  callID,
		Role:    role,
		Claim:   claim,
		state:   StateIdle,
		history: []State{StateIdle},
	}
}

// Snapshot is a read-only copy of a session for status reporting.
type Snapshot struct {
	CallID      string         `json:"callId"`
	Role        signaling.Role `json:"role"`
	ClaimID     string         `json:"claimId,omitempty"`
	ClaimNumber string         `json:"claimNumber,omitempty"`
	State       State          `json:"state"`
	History     []State        `json:"history"`

	ReconnectAttempt     int  `json:"reconnectAttempt"`
	RemoteDescriptionSet bool `json:"remoteDescriptionSet"`
	PendingCandidates    int  `json:"pendingCandidates"`

	RemoteTracks  []RemoteTrack              `json:"remoteTracks,omitempty"`
	Quality       *signaling.ConnectionStats `json:"quality,omitempty"`
	RemoteQuality *signaling.ConnectionStats `json:"remoteQuality,omitempty"`
	Duration      time.Duration              `json:"-"`
	DurationSec   int64                      `json:"durationSeconds"`

	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	FacingMode    string `json:"facingMode,omitempty"`
	ScreenSharing bool   `json:"screenSharing"`

	Recording           string              `json:"recording,omitempty"`
	RemoteRecording     bool                `json:"remoteRecording"`
	LastRecordingURL    string              `json:"lastRecordingUrl,omitempty"`
	RemoteScreenSharing bool                `json:"remoteScreenSharing"`
	Location            *signaling.Location `json:"location,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	EndReason string    `json:"endReason,omitempty"`
}

func (s *CallSession) snapshot() Snapshot {
	snap := Snapshot{
		CallID:               s.CallID,
		Role:                 s.Role,
		ClaimID:              s.Claim.ClaimID,
		ClaimNumber:          s.Claim.ClaimNumber,
		State:                s.state,
		History:              append([]State(nil), s.history...),
		ReconnectAttempt:     s.reconnectAttempt,
		RemoteDescriptionSet: s.remoteDescriptionSet,
		PendingCandidates:    len(s.pendingCandidates),
		RemoteTracks:         append([]RemoteTrack(nil), s.remoteTracks...),
		Duration:             s.duration,
		DurationSec:          int64(s.duration / time.Second),
		RemoteRecording:      s.remoteRecording,
		LastRecordingURL:     s.lastRecordingURL,
		RemoteScreenSharing:  s.remoteScreenSharing,
		StartedAt:            s.startedAt,
		EndedAt:              s.endedAt,
		EndReason:            s.endReason,
	}
	if s.quality != nil {
		q := *s.quality
		snap.Quality = &q
	}
	if s.remoteQuality != nil {
		q := *s.remoteQuality
		snap.RemoteQuality = &q
	}
	if s.location != nil {
		l := *s.location
		snap.Location = &l
	}
	return snap
}
