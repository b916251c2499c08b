// Package signaling carries call control messages between the two
// participants of a call over a relay channel.
package signaling

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Type names a signaling message. It is sent as the JSON-RPC method.
type Type string

const (
	TypeJoinCall            Type = "join_call"
	TypeVideoOffer          Type = "video_offer"
	TypeVideoAnswer         Type = "video_answer"
	TypeICECandidate        Type = "ice_candidate"
	TypeRecordingStatus     Type = "recording_status"
	TypeRecordingCompleted  Type = "recording_completed"
	TypeRecordingError      Type = "recording_error"
	TypeConnectionStats     Type = "connection_stats"
	TypeScreenSharingStatus Type = "screen_sharing_status"
	TypeLocationUpdate      Type = "location_update"
	TypeEndCall             Type = "end_call"
	TypeCallEnded           Type = "call_ended"
)

func (t Type) Valid() bool {
	switch t {
	case TypeJoinCall, TypeVideoOffer, TypeVideoAnswer, TypeICECandidate,
		TypeRecordingStatus, TypeRecordingCompleted, TypeRecordingError,
		TypeConnectionStats, TypeScreenSharingStatus, TypeLocationUpdate,
		TypeEndCall, TypeCallEnded:
		return true
	}
	return false
}

// Role is the participant's side of the call.
type Role string

const (
	RoleInvestigator Role = "investigator"
	RoleSupervisor   Role = "supervisor"
)

func (r Role) Valid() bool {
	return r == RoleInvestigator || r == RoleSupervisor
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInvestigator {
		return RoleSupervisor
	}
	return RoleInvestigator
}

// Quality is the coarse connection quality classification.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

type ConnectionStats struct {
	BytesSent     uint64  `json:"bytesSent"`
	BytesReceived uint64  `json:"bytesReceived"`
	BandwidthKbps float64 `json:"bandwidth"`
	Width         uint32  `json:"width"`
	Height        uint32  `json:"height"`
	PacketsLost   int64   `json:"packetsLost"`
	Quality       Quality `json:"quality"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Message is the body of every signaling message. Only the fields relevant
// to Type are populated.
type Message struct {
	Type   Type   `json:"-"`
	CallID string `json:"callId"`
	Role   Role   `json:"role,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	IsRecording  *bool  `json:"isRecording,omitempty"`
	StartedBy    string `json:"startedBy,omitempty"`
	StoppedBy    string `json:"stoppedBy,omitempty"`
	RecordingURL string `json:"recordingUrl,omitempty"`
	Error        string `json:"error,omitempty"`

	Stats *ConnectionStats `json:"stats,omitempty"`

	IsScreenSharing *bool `json:"isScreenSharing,omitempty"`

	Location *Location `json:"location,omitempty"`

	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Sender delivers a message to the other participant of msg.CallID.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Handler consumes inbound messages.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// Bool returns a pointer to b, for the optional boolean fields.
func Bool(b bool) *bool {
	return &b
}
