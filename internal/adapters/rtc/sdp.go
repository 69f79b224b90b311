package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrIncompatibleSDP = errors.New("incompatible session description")

// ValidateDescription parses a remote description and requires an audio section.
func ValidateDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrIncompatibleSDP)
	}
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleSDP, err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no audio section", ErrIncompatibleSDP)
}
