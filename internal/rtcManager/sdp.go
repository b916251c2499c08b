package rtcManager

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/fieldcall/internal/callerr"
)

// validateDescription rejects descriptions that cannot produce a media
// session: unparsable SDP, no media sections, or missing ICE and DTLS
// parameters.
func validateDescription(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	reject := func(err error) error {
		return callerr.New(callerr.Negotiation, "validate "+want.String(), fmt.Errorf("%w: %v", callerr.ErrDescriptionRejected, err))
	}

	if sd.Type != want {
		return reject(fmt.Errorf("expected %s, got %s", want, sd.Type))
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return reject(err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return reject(errors.New("no media sections"))
	}

	_, sessionUfrag := parsed.Attribute("ice-ufrag")
	_, sessionFingerprint := parsed.Attribute("fingerprint")
	for _, md := range parsed.MediaDescriptions {
		if _, ok := md.Attribute("ice-ufrag"); !ok && !sessionUfrag {
			return reject(fmt.Errorf("media %q has no ice-ufrag", md.MediaName.Media))
		}
		if _, ok := md.Attribute("fingerprint"); !ok && !sessionFingerprint {
			return reject(fmt.Errorf("media %q has no fingerprint", md.MediaName.Media))
		}
	}
	return nil
}
