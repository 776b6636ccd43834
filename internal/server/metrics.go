package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	submissionsTotal  *prometheus.CounterVec
	adminActionsTotal *prometheus.CounterVec
	approvalsTotal    *prometheus.CounterVec
	stagedPayments    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edupay_stage_submissions_total",
		Help: "Total number of payment stage submissions",
	}, []string{"status"})

	adminActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edupay_admin_actions_total",
		Help: "Release/refund dispatches by action and result",
	}, []string{"action", "result"})

	approvals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edupay_approvals_total",
		Help: "Allowance approvals broadcast or skipped during submissions",
	}, []string{"result"})

	staged := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edupay_staged_payments",
		Help: "Number of payments currently in the staged state",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, adminActions, approvals, staged)

	return &metricsRegistry{
		registry:          r,
		submissionsTotal:  submissions,
		adminActionsTotal: adminActions,
		approvalsTotal:    approvals,
		stagedPayments:    staged,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incAdminAction(action, result string) {
	m.adminActionsTotal.WithLabelValues(action, result).Inc()
}

func (m *metricsRegistry) incApproval(result string) {
	m.approvalsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setStagedPayments(n int) {
	m.stagedPayments.Set(float64(n))
}
