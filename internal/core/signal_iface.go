package core

import (
	"context"

	"github.com/dkeye/Phone/internal/domain"
)

// Frame is one raw transport message (JSON signaling or SIP text).
type Frame []byte

// StatusChange describes one Transport Channel transition.
type StatusChange struct {
	Status  domain.TransportStatus
	Attempt int
	Cause   domain.Cause
}

// SignalConnection is the send side of a Transport Channel.
// Owned by the adapter; callers never close it.
type SignalConnection interface {
	Send(Frame) error
	Status() domain.TransportStatus
}

// Transport is what the registrar needs from a channel: sending, status, and a way to get it dialed.
// DialNow keeps the channel's reconnect attempt count, so a retrying caller cannot hold off exhaustion.
type Transport interface {
	SignalConnection
	DialNow(ctx context.Context) error
	OnStatusChange(func(StatusChange))
}

// DeviceConn is the relay side of one connected device.
type DeviceConn interface {
	TrySend(Frame) error
	Close()
}
