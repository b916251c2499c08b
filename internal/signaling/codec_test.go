package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

func TestEncodeUsesTypeAsMethod(t *testing.T) {
	data, err := Encode(Message{
		Type:   TypeVideoOffer,
		CallID: "C1",
		SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"2.0"`, string(raw["jsonrpc"]))
	assert.JSONEq(t, `"video_offer"`, string(raw["method"]))
	assert.JSONEq(t, `{"callId":"C1","sdp":{"type":"offer","sdp":"v=0"}}`, string(raw["params"]))
}

func TestDecodeOfferAndCandidate(t *testing.T) {
	data, err := Encode(Message{
		Type:      TypeICECandidate,
		CallID:    "C1",
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"},
	})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeICECandidate, msg.Type)
	assert.Equal(t, "C1", msg.CallID)
	require.NotNil(t, msg.Candidate)
	assert.Contains(t, msg.Candidate.Candidate, "typ host")
}

func TestDecodeRecordingStatusKeepsFalse(t *testing.T) {
	data, err := Encode(Message{Type: TypeRecordingStatus, CallID: "C1", IsRecording: Bool(false), StoppedBy: "supervisor"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.IsRecording)
	assert.False(t, *msg.IsRecording)
	assert.Equal(t, "supervisor", msg.StoppedBy)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"teleport","params":{"callId":"C1"}}`},
		{"no params", `{"jsonrpc":"2.0","id":1,"method":"end_call"}`},
		{"no call id", `{"jsonrpc":"2.0","id":1,"method":"end_call","params":{}}`},
		{"offer without sdp", `{"jsonrpc":"2.0","id":1,"method":"video_offer","params":{"callId":"C1"}}`},
		{"join with bad role", `{"jsonrpc":"2.0","id":1,"method":"join_call","params":{"callId":"C1","role":"admin"}}`},
		{"status without flag", `{"jsonrpc":"2.0","id":1,"method":"recording_status","params":{"callId":"C1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.True(t, callerr.Is(err, callerr.Signaling))
			assert.True(t, errors.Is(err, callerr.ErrMalformedMessage))
		})
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Message{Type: "bogus", CallID: "C1"})
	assert.True(t, callerr.Is(err, callerr.Signaling))
}

func TestRolePeer(t *testing.T) {
	assert.Equal(t, RoleSupervisor, RoleInvestigator.Peer())
	assert.Equal(t, RoleInvestigator, RoleSupervisor.Peer())
}
