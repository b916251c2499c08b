package callerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", errors.New("boom"), Unknown},
		{"direct", New(Recording, "stop", ErrNoData), Recording},
		{"wrapped", fmt.Errorf("outer: %w", New(Negotiation, "answer", ErrDescriptionRejected)), Negotiation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := fmt.Errorf("switch camera: %w", New(MediaAcquisition, "getUserMedia", ErrDeviceBusy))

	assert.True(t, errors.Is(err, ErrDeviceBusy))
	assert.True(t, Is(err, MediaAcquisition))
	assert.False(t, Is(err, Upload))
	assert.Equal(t, "MediaAcquisitionError: getUserMedia: device busy", errors.Unwrap(err).Error())
}

func TestIsTransient(t *testing.T) {
	transient := &Error{Kind: Connection, Op: "ice", Err: errors.New("disconnected"), Transient: true}
	terminal := New(Connection, "ice", ErrRetriesExhausted)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(terminal))
	assert.False(t, IsTransient(&Error{Kind: Signaling, Transient: true}))
}
