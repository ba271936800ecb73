package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the auth counters. A nil *Metrics records nothing.
type Metrics struct {
	logins         *prometheus.CounterVec
	csrfChecks     *prometheus.CounterVec
	decodeFailures prometheus.Counter
	refreshes      *prometheus.CounterVec
	rounds         prometheus.Histogram
}

// NewMetrics registers the auth collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyauthority",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "OAuth callbacks processed, by result.",
		}, []string{"result"}),
		csrfChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyauthority",
			Subsystem: "auth",
			Name:      "csrf_checks_total",
			Help:      "CSRF token verifications, by result.",
		}, []string{"result"}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keyauthority",
			Subsystem: "auth",
			Name:      "session_decode_failures_total",
			Help:      "Session cookies that could not be decoded.",
		}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyauthority",
			Subsystem: "auth",
			Name:      "session_refresh_total",
			Help:      "Refresh-token exchanges, by result.",
		}, []string{"result"}),
		rounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keyauthority",
			Subsystem: "auth",
			Name:      "permission_rounds",
			Help:      "Membership lookup rounds per permission resolution.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
	}
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) csrfCheck(ok bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.csrfChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionDecodeFailed() {
	if m != nil {
		m.decodeFailures.Inc()
	}
}

func (m *Metrics) refresh(result string) {
	if m != nil {
		m.refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) permissionRounds(n int) {
	if m != nil {
		m.rounds.Observe(float64(n))
	}
}
