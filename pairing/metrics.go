package pairing

import "github.com/prometheus/client_golang/prometheus"

// metrics hold the coordinator's counters.
type metrics struct {
	// Registerer used. May be nil.
	reg prometheus.Registerer

	stateTransitions   *prometheus.CounterVec
	peersDiscovered    prometheus.Counter
	connectionRequests *prometheus.CounterVec
	inboundDecisions   *prometheus.CounterVec
	payloadBytes       *prometheus.CounterVec
}

// newMetrics creates the coordinator metrics. If reg is non-nil, the metrics
// will be registered.
func newMetrics(reg prometheus.Registerer) *metrics {
	var m metrics
	m.reg = reg

	m.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearby_pairing_state_transitions_total",
		Help: "Number of connection state transitions, by new state.",
	}, []string{"state"})
	m.peersDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nearby_pairing_peers_discovered_total",
		Help: "Number of distinct peer identities emitted on the discovered stream.",
	})
	m.connectionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearby_pairing_connection_requests_total",
		Help: "Number of outbound connection requests, by result.",
	}, []string{"result"})
	m.inboundDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearby_pairing_inbound_decisions_total",
		Help: "Number of inbound connection decisions, by decision.",
	}, []string{"decision"})
	m.payloadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearby_pairing_payload_bytes_total",
		Help: "Payload bytes exchanged with the selected peer, by direction.",
	}, []string{"direction"})

	if reg != nil {
		reg.MustRegister(
			m.stateTransitions,
			m.peersDiscovered,
			m.connectionRequests,
			m.inboundDecisions,
			m.payloadBytes,
		)
	}

	return &m
}
