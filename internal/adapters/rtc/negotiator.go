// Package rtc negotiates the peer-to-peer audio path of one call with pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var ErrClosed = errors.New("negotiator closed")

type Config struct {
	ICEServers []string
	// Loopback adds loopback host candidates, for same-host endpoints and tests.
	Loopback bool
}

func (c Config) configuration() webrtc.Configuration {
	urls := c.ICEServers
	if urls == nil {
		urls = DefaultICEServers
	}
	cfg := webrtc.Configuration{}
	if len(urls) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	return cfg
}

// NewAPI builds the pion API: Opus only, default interceptors, and the setting engine.
func NewAPI(c Config) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(c.Loopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory returns the MediaFactory used by the phone: one Negotiator per session.
func Factory(c Config, source MediaSource) (core.MediaFactory, error) {
	api, err := NewAPI(c)
	if err != nil {
		return nil, err
	}
	return func(sid domain.SessionID) (core.MediaConnection, error) {
		return NewNegotiator(api, c, source, sid)
	}, nil
}

// Negotiator wraps one PeerConnection. It lives exactly as long as its call session.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	source MediaSource
	log    zerolog.Logger

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(core.MediaState)
	local   *LocalTrack
	closed  bool

	closeOnce sync.Once
}

var _ core.MediaConnection = (*Negotiator)(nil)

func NewNegotiator(api *webrtc.API, c Config, source MediaSource, sid domain.SessionID) (*Negotiator, error) {
	pc, err := api.NewPeerConnection(c.configuration())
	if err != nil {
		return nil, err
	}
	n := &Negotiator{
		pc:     pc,
		sid:    sid,
		source: source,
		log:    log.With().Str("module", "rtc").Str("sid", string(sid)).Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.mu.Lock()
		fn := n.onICE
		n.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		var ms core.MediaState
		switch s {
		case webrtc.PeerConnectionStateConnected:
			ms = core.MediaConnected
		case webrtc.PeerConnectionStateFailed:
			ms = core.MediaFailed
		case webrtc.PeerConnectionStateClosed:
			ms = core.MediaClosed
		default:
			return
		}
		n.mu.Lock()
		fn := n.onState
		n.mu.Unlock()
		if fn != nil {
			fn(ms)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.log.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		go func() {
			// playout is out of scope; drain so the interceptors keep running
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return n, nil
}

func (n *Negotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onICE = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnStateChange(fn func(core.MediaState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// AcquireMedia attaches the local audio track once.
func (n *Negotiator) AcquireMedia(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.local != nil {
		return nil
	}
	lt, err := n.source.Acquire(n.sid)
	if err != nil {
		return err
	}
	sender, err := n.pc.AddTrack(lt.Track)
	if err != nil {
		lt.Stop()
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					n.log.Debug().Err(err).Msg("rtcp reader stopped")
				}
				return
			}
		}
	}()
	n.local = &lt
	return nil
}

func (n *Negotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := n.AcquireMedia(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (n *Negotiator) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ValidateDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrIncompatibleSDP, err)
	}
	if err := n.AcquireMedia(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (n *Negotiator) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := ValidateDescription(answer); err != nil {
		return err
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleSDP, err)
	}
	return nil
}

func (n *Negotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(c)
}

// Close stops the local track and the peer connection. Safe to call more than once.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		local := n.local
		n.local = nil
		n.onICE = nil
		n.mu.Unlock()

		if local != nil {
			local.Stop()
		}
		if err := n.pc.Close(); err != nil {
			n.log.Error().Err(err).Msg("close error")
		} else {
			n.log.Info().Msg("closed")
		}
	})
}
