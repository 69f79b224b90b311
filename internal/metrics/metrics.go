// Package metrics exports Prometheus counters fed by bus events and the relay.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/Phone/internal/domain"
	"github.com/dkeye/Phone/internal/eventbus"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	active map[domain.SessionID]struct{}

	// phone
	transportChanges    *prometheus.CounterVec
	registrationChanges *prometheus.CounterVec
	callTransitions     *prometheus.CounterVec
	callsEnded          *prometheus.CounterVec
	activeCalls         prometheus.Gauge

	// relay
	relayClients   prometheus.Gauge
	relayForwarded *prometheus.CounterVec
	relayDropped   *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		active:   make(map[domain.SessionID]struct{}),
		transportChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phone_transport_status_changes_total",
			Help: "Transport channel status transitions",
		}, []string{"channel", "status"}),
		registrationChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phone_registration_status_changes_total",
			Help: "Registration state changes",
		}, []string{"status"}),
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phone_call_transitions_total",
			Help: "Call session transitions by resulting state",
		}, []string{"state"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phone_calls_terminated_total",
			Help: "Calls that reached a terminal state",
		}, []string{"state", "cause"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "phone_active_calls",
			Help: "Calls in the active state",
		}),
		relayClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Connected WebSocket clients",
		}),
		relayForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "Signaling frames forwarded to a device",
		}, []string{"type"}),
		relayDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Signaling frames not delivered",
		}, []string{"reason"}),
	}
}

// Subscribe feeds the phone counters from the bus.
func (m *Metrics) Subscribe(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		bus.Subscribe(eventbus.TopicTransportStatus, func(p any) {
			if ev, ok := p.(eventbus.TransportStatus); ok {
				m.transportChanges.WithLabelValues(ev.Channel, string(ev.Status)).Inc()
			}
		}),
		bus.Subscribe(eventbus.TopicRegistrationStatus, func(p any) {
			if ev, ok := p.(eventbus.RegistrationStatus); ok {
				m.registrationChanges.WithLabelValues(string(ev.Status)).Inc()
			}
		}),
		bus.Subscribe(eventbus.TopicCallState, func(p any) {
			ev, ok := p.(eventbus.CallState)
			if !ok {
				return
			}
			m.callTransitions.WithLabelValues(string(ev.State)).Inc()
			m.mu.Lock()
			defer m.mu.Unlock()
			switch {
			case ev.State == domain.CallActive:
				m.active[ev.SessionID] = struct{}{}
			case ev.State.Terminal():
				m.callsEnded.WithLabelValues(string(ev.State), string(ev.Cause)).Inc()
				delete(m.active, ev.SessionID)
			}
			m.activeCalls.Set(float64(len(m.active)))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m *Metrics) ClientConnected()    { m.relayClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.relayClients.Dec() }

func (m *Metrics) Forwarded(msgType string) {
	m.relayForwarded.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	m.relayDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
