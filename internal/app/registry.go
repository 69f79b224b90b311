package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/core"
	"github.com/dkeye/Phone/internal/domain"
)

// ConnID identifies one device connection on the relay.
type ConnID string

type deviceEntry struct {
	Extension domain.Identity
	Conn      core.DeviceConn
	Cancel    context.CancelFunc
}

// Registry tracks connected devices by extension. One extension may have several devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[ConnID]*deviceEntry
	byExt   map[domain.Identity]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[ConnID]*deviceEntry),
		byExt:   make(map[domain.Identity]map[ConnID]struct{}),
	}
}

func (r *Registry) Bind(id ConnID, ext domain.Identity, conn core.DeviceConn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = &deviceEntry{Extension: ext, Conn: conn, Cancel: cancel}
	set := r.byExt[ext]
	if set == nil {
		set = make(map[ConnID]struct{})
		r.byExt[ext] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("extension", string(ext)).Int("devices", len(set)).Msg("bound device")
}

func (r *Registry) Unbind(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return
	}
	delete(r.devices, id)
	if set := r.byExt[e.Extension]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byExt, e.Extension)
		}
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("extension", string(e.Extension)).Msg("unbind device")
}

type DeviceSnap struct {
	ID        ConnID
	Extension domain.Identity
	Conn      core.DeviceConn
}

func (r *Registry) Device(id ConnID) (DeviceSnap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return DeviceSnap{}, false
	}
	return DeviceSnap{ID: id, Extension: e.Extension, Conn: e.Conn}, true
}

// DevicesOf returns every device of ext.
func (r *Registry) DevicesOf(ext domain.Identity) []DeviceSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byExt[ext]
	out := make([]DeviceSnap, 0, len(set))
	for id := range set {
		out = append(out, DeviceSnap{ID: id, Extension: ext, Conn: r.devices[id].Conn})
	}
	return out
}

func (r *Registry) Online(ext domain.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExt[ext]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Cancel stops the pumps of a device; its read pump then unbinds it.
func (r *Registry) Cancel(id ConnID) bool {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled device")
	return true
}
