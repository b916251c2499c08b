package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// Encode wraps msg in a JSON-RPC request whose method is the message type.
func Encode(msg Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, callerr.Newf(callerr.Signaling, "encode", "unknown message type %q", msg.Type)
	}

	params, err := json.Marshal(msg)
	if err != nil {
		return nil, callerr.New(callerr.Signaling, "encode", fmt.Errorf("failed to marshal %s: %w", msg.Type, err))
	}

	req := &jsonrpc2.Request{
		Method: string(msg.Type),
		Params: (*json.RawMessage)(&params),
		ID:     jsonrpc2.ID{Num: uint64(uuid.New().ID())},
	}
	return json.Marshal(req)
}

// Decode parses one frame. Unknown methods and bodies without a callId are
// rejected as malformed.
func Decode(data []byte) (Message, error) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Message{}, callerr.New(callerr.Signaling, "decode", fmt.Errorf("%w: %v", callerr.ErrMalformedMessage, err))
	}

	t := Type(req.Method)
	if !t.Valid() {
		return Message{}, callerr.New(callerr.Signaling, "decode", fmt.Errorf("%w: unknown type %q", callerr.ErrMalformedMessage, req.Method))
	}
	if req.Params == nil {
		return Message{}, callerr.New(callerr.Signaling, "decode", fmt.Errorf("%w: %s without params", callerr.ErrMalformedMessage, t))
	}

	var msg Message
	if err := json.Unmarshal(*req.Params, &msg); err != nil {
		return Message{}, callerr.New(callerr.Signaling, "decode", fmt.Errorf("%w: %s: %v", callerr.ErrMalformedMessage, t, err))
	}
	msg.Type = t

	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that msg carries a callId and the body its type needs.
func Validate(msg Message) error {
	bad := func(format string, args ...interface{}) error {
		return callerr.New(callerr.Signaling, "validate",
			fmt.Errorf("%w: %s: %s", callerr.ErrMalformedMessage, msg.Type, fmt.Sprintf(format, args...)))
	}

	if msg.CallID == "" {
		return bad("missing callId")
	}

	switch msg.Type {
	case TypeJoinCall:
		if !msg.Role.Valid() {
			return bad("invalid role %q", msg.Role)
		}
	case TypeVideoOffer, TypeVideoAnswer:
		if msg.SDP == nil || msg.SDP.SDP == "" {
			return bad("missing sdp")
		}
	case TypeICECandidate:
		if msg.Candidate == nil {
			return bad("missing candidate")
		}
	case TypeRecordingStatus:
		if msg.IsRecording == nil {
			return bad("missing isRecording")
		}
	case TypeRecordingCompleted:
		if msg.RecordingURL == "" {
			return bad("missing recordingUrl")
		}
	case TypeConnectionStats:
		if msg.Stats == nil {
			return bad("missing stats")
		}
	case TypeScreenSharingStatus:
		if msg.IsScreenSharing == nil {
			return bad("missing isScreenSharing")
		}
	case TypeLocationUpdate:
		if msg.Location == nil {
			return bad("missing location")
		}
	}
	return nil
}
