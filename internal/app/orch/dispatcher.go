package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/adapters/sipreg"
	"github.com/dkeye/Phone/internal/core"
)

type FrameHandler interface {
	HandleFrame(core.Frame)
}

// Dispatcher routes inbound transport frames: SIP text to the registrar,
// everything else to the phone as JSON signaling.
type Dispatcher struct {
	Phone     FrameHandler
	Registrar FrameHandler
}

func (d *Dispatcher) OnFrame(f core.Frame) {
	if sipreg.IsSIP(f) {
		if d.Registrar == nil {
			log.Debug().Str("module", "dispatcher").Msg("sip frame without registrar dropped")
			return
		}
		d.Registrar.HandleFrame(f)
		return
	}
	if d.Phone != nil {
		d.Phone.HandleFrame(f)
	}
}
