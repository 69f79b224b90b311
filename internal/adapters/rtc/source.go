package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/domain"
)

var (
	ErrMediaDenied   = errors.New("microphone permission denied")
	ErrMediaNotFound = errors.New("no microphone found")
)

// MediaDetail turns a local media error into the detail string carried by MediaUnavailable.
func MediaDetail(err error) string {
	switch {
	case errors.Is(err, ErrMediaDenied):
		return "permission denied"
	case errors.Is(err, ErrMediaNotFound):
		return "device not found"
	case err == nil:
		return ""
	}
	return err.Error()
}

// LocalTrack is an acquired local audio track. Stop releases the capture.
type LocalTrack struct {
	Track webrtc.TrackLocal
	Stop  func()
}

// MediaSource acquires the local microphone for one session.
type MediaSource interface {
	Acquire(sid domain.SessionID) (LocalTrack, error)
}

// SilenceSource feeds an Opus track with silence frames. It stands in for a
// microphone on headless endpoints.
type SilenceSource struct {
	Clock clock.Clock
	Frame time.Duration
}

// opus DTX silence frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (s SilenceSource) Acquire(sid domain.SessionID) (LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "phone-"+string(sid),
	)
	if err != nil {
		return LocalTrack{}, err
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	frame := s.Frame
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := clk.Ticker(frame)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); err != nil {
					log.Debug().Str("module", "rtc").Str("sid", string(sid)).Err(err).Msg("silence write")
				}
			}
		}
	}()
	return LocalTrack{Track: track, Stop: func() { once.Do(func() { close(done) }) }}, nil
}

// UnavailableSource always fails with Err; used when no capture device is configured.
type UnavailableSource struct {
	Err error
}

func (u UnavailableSource) Acquire(domain.SessionID) (LocalTrack, error) {
	if u.Err == nil {
		return LocalTrack{}, ErrMediaNotFound
	}
	return LocalTrack{}, u.Err
}
