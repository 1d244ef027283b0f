// Package metrics exposes ledger and API activity to Prometheus.
package metrics

import (
	"errors"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bitfsorg/lpclaim-go/ledger"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lpclaim_build_info",
			Help: "Build information of lpclaimd",
		},
		[]string{"version", "commit", "date"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lpclaim_ledger_events_total",
			Help: "Total number of journal events by kind",
		},
		[]string{"kind"},
	)

	AmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lpclaim_ledger_amount_total",
			Help: "Total value moved by kind, in ledger units (approximate above 2^53)",
		},
		[]string{"kind"},
	)

	ClaimErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lpclaim_ledger_claim_errors_total",
			Help: "Total number of rejected or failed claims by reason",
		},
		[]string{"reason"},
	)

	Beneficiaries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lpclaim_ledger_beneficiaries",
			Help: "Number of registered beneficiaries",
		},
	)

	Locked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lpclaim_ledger_locked",
			Help: "1 when the beneficiary registry is locked",
		},
	)

	Balance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lpclaim_ledger_balance",
			Help: "Deposited minus withdrawn, in ledger units",
		},
	)

	Unallocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lpclaim_ledger_unallocated",
			Help: "Balance not yet owed to any beneficiary (rounding dust and pre-lock deposits)",
		},
	)

	EventSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lpclaim_ledger_event_seq",
			Help: "Sequence number of the last journal event",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lpclaim_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lpclaim_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method", "route"},
	)
)

// Observer feeds ledger events into the collectors. Stats, when set, is
// polled after every event to refresh the gauges.
type Observer struct {
	Stats func() *ledger.Stats
}

// Compile-time interface check.
var _ ledger.Observer = (*Observer)(nil)

// Observe implements ledger.Observer.
func (o *Observer) Observe(ev *ledger.Event) {
	kind := ev.Kind.String()
	EventsTotal.WithLabelValues(kind).Inc()
	AmountTotal.WithLabelValues(kind).Add(toFloat(ev.Amount))
	if o.Stats != nil {
		RecordStats(o.Stats())
	}
}

// RecordStats sets the ledger gauges from st.
func RecordStats(st *ledger.Stats) {
	if st == nil {
		return
	}
	Beneficiaries.Set(float64(st.Beneficiaries))
	if st.Locked {
		Locked.Set(1)
	} else {
		Locked.Set(0)
	}
	Balance.Set(toFloat(st.Balance))
	Unallocated.Set(toFloat(st.Unallocated))
	EventSeq.Set(float64(st.EventSeq))
}

// RecordClaimError counts a failed claim under a reason derived from err.
func RecordClaimError(err error) {
	if err == nil {
		return
	}
	ClaimErrorsTotal.WithLabelValues(ClaimErrorReason(err)).Inc()
}

// ClaimErrorReason classifies a Claim error for labeling.
func ClaimErrorReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, ledger.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ledger.ErrWhitelistNotLocked):
		return "not_locked"
	}
	return "other"
}

func toFloat(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}
