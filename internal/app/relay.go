package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/signaling"
)

type Limiter interface {
	Allow(ext domain.Identity) bool
}

type RelayMetrics interface {
	Forwarded(msgType string)
	Dropped(reason string)
}

var ErrBackpressure = errors.New("backpressure")

// Relay forwards signaling between extensions. It keeps no call state beyond
// which device of an extension owns a session once it has sent for it.
type Relay struct {
	Registry *Registry
	Policy   Policy
	Limiter  Limiter
	Metrics  RelayMetrics

	mu   sync.Mutex
	pins map[domain.SessionID]map[domain.Identity]ConnID
}

func NewRelay(reg *Registry, policy Policy, limiter Limiter, m RelayMetrics) *Relay {
	return &Relay{
		Registry: reg,
		Policy:   policy,
		Limiter:  limiter,
		Metrics:  m,
		pins:     make(map[domain.SessionID]map[domain.Identity]ConnID),
	}
}

// OnFrame handles one frame read from device id of extension ext.
func (r *Relay) OnFrame(id ConnID, ext domain.Identity, data core.Frame) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		r.drop("malformed")
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(id)).Msg("bad json")
		return
	}
	if env.Type == "ping" {
		r.reply(id, []byte(`{"type":"pong"}`))
		return
	}

	m, err := signaling.Decode(data)
	if err != nil {
		r.drop("malformed")
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(id)).Msg("dropping frame")
		return
	}
	if m.From != ext {
		r.drop("spoofed")
		log.Warn().Str("module", "relay").Str("conn", string(id)).Str("from", string(m.From)).Str("extension", string(ext)).Msg("sender mismatch")
		return
	}

	if m.Type == signaling.TypeInvitation {
		if m.SessionID == "" {
			m.SessionID = domain.NewSessionID()
			if data, err = signaling.Encode(m); err != nil {
				return
			}
		}
		if r.Limiter != nil && !r.Limiter.Allow(ext) {
			r.drop("rate_limited")
			r.replyMsg(id, signaling.Reject(m.SessionID, m.To, m.From, domain.CauseRateLimited))
			return
		}
		if !r.Registry.Online(m.To) {
			r.drop("offline")
			r.replyMsg(id, signaling.Reject(m.SessionID, m.To, m.From, domain.CauseUnavailable))
			return
		}
	}

	r.pin(m, id)
	r.forward(m, data)
	if m.Type == signaling.TypeReject || m.Type == signaling.TypeTerminate {
		r.unpin(m.SessionID)
	}
}

// pin binds the session to the sending device; an accept also tells the
// other devices of the callee that the call was taken.
func (r *Relay) pin(m signaling.Message, id ConnID) {
	if m.Type != signaling.TypeInvitation && m.Type != signaling.TypeAccept {
		return
	}
	r.mu.Lock()
	p := r.pins[m.SessionID]
	if p == nil {
		p = make(map[domain.Identity]ConnID)
		r.pins[m.SessionID] = p
	}
	p[m.From] = id
	r.mu.Unlock()

	if m.Type != signaling.TypeAccept {
		return
	}
	for _, d := range r.Registry.DevicesOf(m.From) {
		if d.ID == id {
			continue
		}
		r.replyMsg(d.ID, signaling.Terminate(m.SessionID, m.To, m.From, domain.CauseAnsweredElsewhere))
	}
}

func (r *Relay) unpin(sid domain.SessionID) {
	r.mu.Lock()
	delete(r.pins, sid)
	r.mu.Unlock()
}

// Forget drops every pin to a departed device.
func (r *Relay) Forget(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, p := range r.pins {
		for ext, c := range p {
			if c == id {
				delete(p, ext)
			}
		}
		if len(p) == 0 {
			delete(r.pins, sid)
		}
	}
}

func (r *Relay) targets(m signaling.Message) []DeviceSnap {
	r.mu.Lock()
	pinned, ok := r.pins[m.SessionID][m.To]
	r.mu.Unlock()
	if ok {
		if d, live := r.Registry.Device(pinned); live {
			return []DeviceSnap{d}
		}
	}
	return r.Registry.DevicesOf(m.To)
}

func (r *Relay) forward(m signaling.Message, data core.Frame) {
	devices := r.targets(m)
	if len(devices) == 0 {
		r.drop("offline")
		return
	}
	for _, d := range devices {
		if r.send(d, data) {
			r.forwarded(string(m.Type))
		}
	}
}

func (r *Relay) send(d DeviceSnap, data core.Frame) bool {
	err := d.Conn.TrySend(data)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrBackpressure) {
		r.drop("closed")
		return false
	}
	r.drop("backpressure")
	if r.Policy != nil {
		switch r.Policy.OnBackPressure(d.Extension, d.ID) {
		case KickDevice:
			log.Warn().Str("module", "relay").Str("conn", string(d.ID)).Msg("kicking slow device")
			r.Registry.Cancel(d.ID)
		case DropFrame, NoAction:
		}
	}
	return false
}

func (r *Relay) reply(id ConnID, data core.Frame) {
	if d, ok := r.Registry.Device(id); ok {
		r.send(d, data)
	}
}

func (r *Relay) replyMsg(id ConnID, m signaling.Message) {
	data, err := signaling.Encode(m)
	if err != nil {
		return
	}
	r.reply(id, data)
}

func (r *Relay) drop(reason string) {
	if r.Metrics != nil {
		r.Metrics.Dropped(reason)
	}
}

func (r *Relay) forwarded(t string) {
	if r.Metrics != nil {
		r.Metrics.Forwarded(t)
	}
}
