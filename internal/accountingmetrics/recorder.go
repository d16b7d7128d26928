package accountingmetrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder captures accounting facts: credits moved and subscriptions reconciled.
type Recorder interface {
	RecordCreditsGranted(txType string, amount int64)
	RecordCreditsDebited(txType string, amount int64)
	RecordSubscriptionReconciled(status string)
	RecordFeeCharged(feeType string, amount int64)
	SetOutstandingCredits(total int64)
	SetActiveSubscriptions(count int64)
}

type metrics struct {
	creditsGranted          *prometheus.CounterVec
	creditsDebited          *prometheus.CounterVec
	subscriptionsReconciled *prometheus.CounterVec
	feesCharged             *prometheus.CounterVec
	outstandingCredits      prometheus.Gauge
	activeSubscriptions     prometheus.Gauge
}

type recorder struct {
	metrics *metrics
}

// NewRecorder registers the accounting series on registry.
func NewRecorder(registry *prometheus.Registry) Recorder {
	m := &metrics{
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paysync_credits_granted_total",
			Help: "Credits granted to user balances.",
		}, []string{"transaction_type"}),
		creditsDebited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paysync_credits_debited_total",
			Help: "Credits debited from user balances.",
		}, []string{"transaction_type"}),
		subscriptionsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paysync_subscriptions_reconciled_total",
			Help: "Subscription reconcile writes by resulting status.",
		}, []string{"status"}),
		feesCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paysync_fee_credits_total",
			Help: "Credits collected as fees.",
		}, []string{"fee_type"}),
		outstandingCredits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paysync_outstanding_credits",
			Help: "Sum of all credit balances.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paysync_active_subscriptions",
			Help: "Subscriptions in active or trialing status.",
		}),
	}
	if registry != nil {
		registry.MustRegister(
			m.creditsGranted,
			m.creditsDebited,
			m.subscriptionsReconciled,
			m.feesCharged,
			m.outstandingCredits,
			m.activeSubscriptions,
		)
	}
	return &recorder{metrics: m}
}

func (r *recorder) RecordCreditsGranted(txType string, amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.metrics.creditsGranted.WithLabelValues(normalizeLabel(txType)).Add(float64(amount))
}

func (r *recorder) RecordCreditsDebited(txType string, amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.metrics.creditsDebited.WithLabelValues(normalizeLabel(txType)).Add(float64(amount))
}

func (r *recorder) RecordSubscriptionReconciled(status string) {
	if r == nil {
		return
	}
	r.metrics.subscriptionsReconciled.WithLabelValues(normalizeLabel(status)).Inc()
}

func (r *recorder) RecordFeeCharged(feeType string, amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.metrics.feesCharged.WithLabelValues(normalizeLabel(feeType)).Add(float64(amount))
}

func (r *recorder) SetOutstandingCredits(total int64) {
	if r == nil {
		return
	}
	if total < 0 {
		total = 0
	}
	r.metrics.outstandingCredits.Set(float64(total))
}

func (r *recorder) SetActiveSubscriptions(count int64) {
	if r == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.metrics.activeSubscriptions.Set(float64(count))
}

// Noop discards every observation.
type Noop struct{}

func (Noop) RecordCreditsGranted(string, int64)  {}
func (Noop) RecordCreditsDebited(string, int64)  {}
func (Noop) RecordSubscriptionReconciled(string) {}
func (Noop) RecordFeeCharged(string, int64)      {}
func (Noop) SetOutstandingCredits(int64)         {}
func (Noop) SetActiveSubscriptions(int64)        {}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
