// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the fleet updates during operation:
//   • robofleet_passes_total                      – keep-online passes completed
//   • robofleet_actions_total{action}             – controller actions taken
//   • robofleet_turn_errors_total{kind}           – per-identity turn failures by kind
//   • robofleet_bond_results_total{result}        – bond attempts (locked|check_failed|expired|error)
//   • robofleet_quota_used                        – actions counted against the current UTC hour
//   • robofleet_waiting_queue_length              – identities deferred for a quota slot
//   • robofleet_robots{state}                     – identities per partition
//   • robofleet_coordinator_requests_total{coordinator,op,result}
//   • robofleet_book_offers{coordinator}          – offers seen on the last book fetch
//
// These are registered in init() and served by the HTTP handler started in
// main.go at /metrics when metrics.addr is set.

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robofleet_passes_total",
			Help: "Keep-online passes completed",
		},
	)

	mtxActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_actions_total",
			Help: "Lifecycle controller actions taken",
		},
		[]string{"action"},
	)

	mtxTurnErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_turn_errors_total",
			Help: "Per-identity turns aborted, split by error kind",
		},
		[]string{"kind"},
	)

	mtxBondResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_bond_results_total",
			Help: "Bond attempts split by result",
		},
		[]string{"result"}, // locked|check_failed|expired|error
	)

	mtxQuotaUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robofleet_quota_used",
			Help: "Orders counted against the current UTC hour bucket",
		},
	)

	mtxWaitingQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "robofleet_waiting_queue_length",
			Help: "Identities waiting for an hourly quota slot",
		},
	)

	mtxRobots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robofleet_robots",
			Help: "Identities per state partition",
		},
		[]string{"state"},
	)

	mtxRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robofleet_coordinator_requests_total",
			Help: "Coordinator HTTP requests by operation and result",
		},
		[]string{"coordinator", "op", "result"},
	)

	mtxBookOffers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robofleet_book_offers",
			Help: "Offers returned by the last book fetch per coordinator",
		},
		[]string{"coordinator"},
	)
)

func init() {
	prometheus.MustRegister(mtxPasses, mtxActions, mtxTurnErrors, mtxBondResults)
	prometheus.MustRegister(mtxQuotaUsed, mtxWaitingQueue, mtxRobots)
	prometheus.MustRegister(mtxRequests, mtxBookOffers)
}

func IncAction(action Action)           { mtxActions.WithLabelValues(action.String()).Inc() }
func IncTurnError(err error)            { mtxTurnErrors.WithLabelValues(errorKind(err)).Inc() }
func IncBondResult(result string)       { mtxBondResults.WithLabelValues(result).Inc() }
func SetQuotaUsed(n int)                { mtxQuotaUsed.Set(float64(n)) }
func SetWaitingQueue(n int)             { mtxWaitingQueue.Set(float64(n)) }
func SetRobots(state RobotState, n int) { mtxRobots.WithLabelValues(state.String()).Set(float64(n)) }

func observeRequest(coordinator, op string, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}
	mtxRequests.WithLabelValues(coordinator, op, result).Inc()
}
