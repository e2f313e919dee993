package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DeliveriesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_deliveries_enqueued_total",
			Help: "Total number of deliveries enqueued, including duplicates.",
		},
		[]string{"project_id", "connector_type", "duplicate"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_deliveries_total",
			Help: "Total number of delivery outcomes by status.",
		},
		[]string{"project_id", "connector_type", "status"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_attempts_total",
			Help: "Total number of delivery attempts by result.",
		},
		[]string{"connector_type", "result"},
	)

	RedrivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_redrives_total",
			Help: "Total number of dead-lettered deliveries returned to the queue.",
		},
		[]string{"project_id", "connector_type"},
	)

	ThrottlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_backpressure_throttles_total",
			Help: "Total number of processing passes throttled, by reason.",
		},
		[]string{"project_id", "reason"},
	)

	GuardianActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaygate_guardian_actions_total",
			Help: "Total number of guardian remediation actions by type and mode.",
		},
		[]string{"action", "mode"}, // mode: applied|dry_run|skipped
	)

	RiskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaygate_connector_risk_score",
			Help: "Most recent reliability risk score per project and connector type.",
		},
		[]string{"project_id", "connector_type"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DeliveriesEnqueuedTotal,
		DeliveriesTotal,
		AttemptsTotal,
		RedrivesTotal,
		ThrottlesTotal,
		GuardianActionsTotal,
		RiskScore,
	)
}

// RecordEnqueue increments the enqueue counter.
func RecordEnqueue(projectID, connectorType string, duplicate bool) {
	dup := "false"
	if duplicate {
		dup = "true"
	}
	DeliveriesEnqueuedTotal.WithLabelValues(projectID, connectorType, dup).Inc()
}

// RecordDeliveryStatus counts a delivery reaching a terminal or retry state.
func RecordDeliveryStatus(projectID, connectorType, status string) {
	DeliveriesTotal.WithLabelValues(projectID, connectorType, status).Inc()
}

// RecordAttempt counts one attempt execution.
func RecordAttempt(connectorType string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AttemptsTotal.WithLabelValues(connectorType, result).Inc()
}

// RecordRedrive counts a redriven delivery.
func RecordRedrive(projectID, connectorType string) {
	RedrivesTotal.WithLabelValues(projectID, connectorType).Inc()
}

// RecordThrottle counts a throttled processing pass.
func RecordThrottle(projectID, reason string) {
	ThrottlesTotal.WithLabelValues(projectID, reason).Inc()
}

// RecordGuardianAction counts a guardian remediation decision.
func RecordGuardianAction(action, mode string) {
	GuardianActionsTotal.WithLabelValues(action, mode).Inc()
}

// SetRiskScore publishes the latest computed risk score.
func SetRiskScore(projectID, connectorType string, score float64) {
	RiskScore.WithLabelValues(projectID, connectorType).Set(score)
}
