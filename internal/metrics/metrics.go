// Package metrics holds the prometheus collectors for the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the router's collectors. All methods are safe on a nil
// receiver so components can run unmetered.
type Metrics struct {
	sessionsActive   *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec
	publications     *prometheus.CounterVec
	calls            *prometheus.CounterVec
	routingErrors    *prometheus.CounterVec
}

// New registers the router collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wampgate",
			Name:      "sessions_active",
			Help:      "Currently attached sessions per realm.",
		}, []string{"realm"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wampgate",
			Name:      "messages_received_total",
			Help:      "Messages received from clients, by realm and message type.",
		}, []string{"realm", "type"}),
		publications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wampgate",
			Name:      "publications_total",
			Help:      "PUBLISH messages routed per realm.",
		}, []string{"realm"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wampgate",
			Name:      "calls_total",
			Help:      "CALL messages routed per realm.",
		}, []string{"realm"}),
		routingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wampgate",
			Name:      "routing_errors_total",
			Help:      "ERROR replies produced by routing, by realm and error URI.",
		}, []string{"realm", "uri"}),
	}
}

// SessionAttached records a session joining a realm.
func (m *Metrics) SessionAttached(realm string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(realm).Inc()
}

// SessionDetached records a session leaving a realm.
func (m *Metrics) SessionDetached(realm string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(realm).Dec()
}

// MessageReceived counts one inbound client message.
func (m *Metrics) MessageReceived(realm, msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(realm, msgType).Inc()
}

// Publication counts one routed PUBLISH.
func (m *Metrics) Publication(realm string) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(realm).Inc()
}

// Call counts one routed CALL.
func (m *Metrics) Call(realm string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(realm).Inc()
}

// RoutingError counts one ERROR reply produced by routing.
func (m *Metrics) RoutingError(realm, uri string) {
	if m == nil {
		return
	}
	m.routingErrors.WithLabelValues(realm, uri).Inc()
}
