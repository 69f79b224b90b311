package call

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/signaling"
)

// EndedCapacity bounds how many evicted session ids are remembered.
const EndedCapacity = 1024

// Directory owns every session of one local identity and is the only path
// that mutates them. At most one session is non-terminal at any time.
type Directory struct {
	local domain.Identity

	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	// ids of evicted sessions; late or duplicated messages for them are ignored
	ended *lru.Cache[domain.SessionID, struct{}]
}

func NewDirectory(local domain.Identity) *Directory {
	ended, err := lru.New[domain.SessionID, struct{}](EndedCapacity)
	if err != nil {
		panic(err)
	}
	return &Directory{local: local, sessions: make(map[domain.SessionID]*Session), ended: ended}
}

func (d *Directory) Local() domain.Identity { return d.local }

// CreateOutbound opens a session in initiating, or fails with ErrAlreadyInCall.
func (d *Directory) CreateOutbound(peer domain.Identity) (*Session, error) {
	if err := peer.Validate(); err != nil {
		return nil, fmt.Errorf("call %q: %w", string(peer), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur := d.currentLocked(); cur != nil {
		return nil, fmt.Errorf("%w: %s with %s", domain.ErrAlreadyInCall, cur.ID, cur.Peer)
	}
	s := newSession(domain.NewSessionID(), domain.Outbound, d.local, peer)
	d.sessions[s.ID] = s
	log.Info().Str("module", "call").Str("sid", string(s.ID)).Str("peer", string(peer)).Msg("outbound session created")
	return s, nil
}

// AcceptInbound opens a ringing session for an invitation. It returns false
// when busy or when the id is already known or has ended; the caller answers
// a busy invitation with reject{Busy} and checks Seen for the rest.
func (d *Directory) AcceptInbound(inv signaling.Message) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seenLocked(inv.SessionID) {
		return nil, false
	}
	if d.currentLocked() != nil {
		log.Info().Str("module", "call").Str("sid", string(inv.SessionID)).Str("peer", string(inv.From)).Msg("busy, invitation refused")
		return nil, false
	}
	s := newSession(inv.SessionID, domain.Inbound, d.local, inv.From)
	d.sessions[s.ID] = s
	log.Info().Str("module", "call").Str("sid", string(s.ID)).Str("peer", string(inv.From)).Msg("inbound session created")
	return s, true
}

// Seen reports whether sid is held or belonged to an evicted session.
func (d *Directory) Seen(sid domain.SessionID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seenLocked(sid)
}

func (d *Directory) seenLocked(sid domain.SessionID) bool {
	if _, ok := d.sessions[sid]; ok {
		return true
	}
	return d.ended.Contains(sid)
}

func (d *Directory) Get(sid domain.SessionID) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sid]
	return s, ok
}

// Current returns the non-terminal session, if any.
func (d *Directory) Current() (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.currentLocked()
	return s, s != nil
}

func (d *Directory) currentLocked() *Session {
	for _, s := range d.sessions {
		if !s.State().Terminal() {
			return s
		}
	}
	return nil
}

// Len counts the sessions still held, terminal ones included until evicted.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Evict drops a terminal session. Live sessions are refused with ErrNotTerminal.
func (d *Directory) Evict(sid domain.SessionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sid]
	if !ok {
		return domain.ErrUnknownSession
	}
	if !s.State().Terminal() {
		return domain.ErrNotTerminal
	}
	delete(d.sessions, sid)
	d.ended.Add(sid, struct{}{})
	return nil
}

// Dispatch applies ev to the session with sid and returns the resulting effects.
func (d *Directory) Dispatch(sid domain.SessionID, ev Event) ([]Effect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sid)
	}
	return s.Apply(ev), nil
}
