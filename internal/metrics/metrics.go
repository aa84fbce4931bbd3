// Package metrics exposes the sync layer's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsReceived   *prometheus.CounterVec
	EventsDuplicate  *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	StatusWrites     *prometheus.CounterVec
	CircuitOpen      prometheus.Counter
	MessageSnapshots prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	Connected        prometheus.Gauge
	Subscriptions    *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_events_received_total",
			Help: "Change events received from the transport.",
		}, []string{"table"}),
		EventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_events_duplicate_total",
			Help: "Change events dropped as redeliveries.",
		}, []string{"table"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_subscription_transitions_total",
			Help: "Subscription state transitions by target state.",
		}, []string{"to"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_reconnects_total",
			Help: "Reconnect attempts by reason.",
		}, []string{"reason"}),
		StatusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_status_writes_total",
			Help: "Status writes by result.",
		}, []string{"result"}),
		CircuitOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpsync_circuit_open_total",
			Help: "Times a per-owner circuit breaker opened.",
		}),
		MessageSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpsync_message_snapshots_total",
			Help: "Message list snapshots emitted.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpsync_messages_sent_total",
			Help: "Message sends by result.",
		}, []string{"result"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interpsync_connected",
			Help: "1 when every subscription is healthy.",
		}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "interpsync_subscriptions",
			Help: "Subscriptions by current state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived, m.EventsDuplicate, m.Transitions, m.Reconnects,
			m.StatusWrites, m.CircuitOpen, m.MessageSnapshots, m.MessagesSent,
			m.Connected, m.Subscriptions,
		)
	}
	return m
}

func (m *Metrics) EventReceived(table string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(table).Inc()
}

func (m *Metrics) EventDuplicate(table string) {
	if m == nil {
		return
	}
	m.EventsDuplicate.WithLabelValues(table).Inc()
}

// Transition moves one subscription from one state gauge to another. An
// empty from counts a new subscription; an empty to counts a removal.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Subscriptions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Subscriptions.WithLabelValues(to).Inc()
		m.Transitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) StatusWrite(result string) {
	if m == nil {
		return
	}
	m.StatusWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) CircuitOpened() {
	if m == nil {
		return
	}
	m.CircuitOpen.Inc()
}

func (m *Metrics) Snapshot() {
	if m == nil {
		return
	}
	m.MessageSnapshots.Inc()
}

func (m *Metrics) MessageSent(result string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(result).Inc()
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
