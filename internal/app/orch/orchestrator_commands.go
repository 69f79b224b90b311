package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Phone/internal/app/call"
	"github.com/dkeye/Phone/internal/domain"
)

// Call starts an outbound call to peer. It fails with ErrAlreadyInCall while another call is live.
func (p *Phone) Call(ctx context.Context, peer domain.Identity) (domain.SessionID, error) {
	var sid domain.SessionID
	err := p.do(ctx, func() error {
		s, err := p.dir.CreateOutbound(peer)
		if err != nil {
			return err
		}
		sid = s.ID
		p.dispatch(sid, call.Event{Kind: call.EvStart})
		return nil
	})
	return sid, err
}

// Accept answers a ringing inbound call.
func (p *Phone) Accept(ctx context.Context, sid domain.SessionID) error {
	return p.command(ctx, sid, call.EvLocalAccept, domain.CallRinging)
}

// Reject declines a ringing inbound call.
func (p *Phone) Reject(ctx context.Context, sid domain.SessionID) error {
	return p.command(ctx, sid, call.EvLocalReject, domain.CallRinging)
}

// Hangup ends, cancels or declines sid depending on how far it got.
func (p *Phone) Hangup(ctx context.Context, sid domain.SessionID) error {
	return p.command(ctx, sid, call.EvLocalHangup, "")
}

func (p *Phone) command(ctx context.Context, sid domain.SessionID, kind call.EventKind, want domain.CallState) error {
	return p.do(ctx, func() error {
		s, ok := p.dir.Get(sid)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownSession, sid)
		}
		if want != "" && s.State() != want {
			return fmt.Errorf("%s: session %s is %s", kind, sid, s.State())
		}
		p.dispatch(sid, call.Event{Kind: kind})
		return nil
	})
}

// Snapshot describes the live call, if any.
type Snapshot struct {
	SessionID domain.SessionID
	Direction domain.Direction
	Peer      domain.Identity
	State     domain.CallState
}

func (p *Phone) Current(ctx context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	var live bool
	err := p.do(ctx, func() error {
		s, ok := p.dir.Current()
		if !ok {
			return nil
		}
		live = true
		snap = Snapshot{SessionID: s.ID, Direction: s.Direction, Peer: s.Peer, State: s.State()}
		return nil
	})
	return snap, live, err
}
