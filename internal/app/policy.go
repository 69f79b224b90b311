package app

import "github.com/dkeye/Phone/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickDevice
	DropFrame
)

// Policy decides what happens to a device whose send queue is full.
type Policy interface {
	OnBackPressure(ext domain.Identity, device ConnID) BackpressureAction
}

// SimplePolicy kicks slow devices when Kick is set, and drops the frame otherwise.
type SimplePolicy struct {
	Kick bool
}

func (p SimplePolicy) OnBackPressure(domain.Identity, ConnID) BackpressureAction {
	if p.Kick {
		return KickDevice
	}
	return DropFrame
}
