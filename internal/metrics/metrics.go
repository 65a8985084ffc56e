// Package metrics declares the Prometheus collectors exported by the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskrelay_sessions_active",
			Help: "Current number of open sessions (opening or relaying)",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_sessions_total",
			Help: "Session open attempts by result",
		},
		[]string{"result"},
	)

	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_sessions_closed_total",
			Help: "Closed sessions by teardown reason",
		},
		[]string{"reason"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskrelay_session_duration_seconds",
			Help:    "Lifetime of sessions from open to close in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	RelayBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_relay_bytes_total",
			Help: "Bytes relayed between clients and machines",
		},
		[]string{"direction"},
	)
)

// Registry and transfer metrics
var (
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_registrations_total",
			Help: "Machine registration attempts by result",
		},
		[]string{"result"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_transfers_total",
			Help: "Recorded file transfers by type",
		},
		[]string{"type"},
	)

	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_transfer_bytes_total",
			Help: "Bytes moved by recorded file transfers",
		},
		[]string{"type"},
	)
)

// Label values.
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
	ResultNotFound = "not_found"
	ResultError    = "error"

	DirectionClientToMachine = "client_to_machine"
	DirectionMachineToClient = "machine_to_client"
)
