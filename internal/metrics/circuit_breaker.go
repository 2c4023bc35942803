// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telecast_circuit_breaker_state",
		Help: "Circuit breaker state by component (closed=1, tripped=1; others 0)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telecast_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips",
	}, []string{"component"})
)

var circuitStates = []string{"closed", "tripped"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker trips.
func RecordCircuitBreakerTrip(component string) {
	circuitBreakerTrips.WithLabelValues(component).Inc()
}
