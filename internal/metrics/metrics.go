// Package metrics exposes the gateway's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can be built without
// instrumentation in tests.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "fusion"

// Label values used across the gateway
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeUpstream    = "upstream_error"

	AlertInsufficientBalance = "insufficient_balance"
	AlertDebitFailed         = "debit_failed"

	FallbackRateNotFound = "rate_not_found"
	FallbackRateError    = "rate_error"
	FallbackMarkup       = "markup"
	FallbackRoutingFee   = "routing_fee"

	PaymentApplied   = "applied"
	PaymentDuplicate = "duplicate"
	PaymentIgnored   = "ignored"
	PaymentRejected  = "rejected"
	PaymentFailed    = "failed"

	ArchiveWritten      = "written"
	ArchiveDeadLettered = "dead_lettered"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	ledgerAlerts        *prometheus.CounterVec
	chargedMinorUnits   prometheus.Counter
	pricingFallbacks    *prometheus.CounterVec
	decryptFailures     prometheus.Counter
	usageRecordFailures prometheus.Counter
	payments            *prometheus.CounterVec
	rateLimited         prometheus.Counter
	archiveBatches      *prometheus.CounterVec
}

// New registers all collectors, plus Go runtime and process collectors, on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Chat requests forwarded to the router, by outcome",
		}, []string{"outcome"}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Router round-trip latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		ledgerAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_alerts_total",
			Help:      "Debits that could not be fully applied",
		}, []string{"kind"}),
		chargedMinorUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_minor_units_total",
			Help:      "Micro-dollars actually deducted from user balances",
		}),
		pricingFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_fallbacks_total",
			Help:      "Cost calculations that used a default value",
		}, []string{"reason"}),
		decryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_decrypt_failures_total",
			Help:      "Stored credentials that failed to decrypt and were skipped",
		}),
		usageRecordFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_record_failures_total",
			Help:      "Usage records that could not be persisted",
		}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment webhook deliveries, by result",
		}, []string{"result"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limit",
		}),
		archiveBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_archive_batches_total",
			Help:      "Usage archive batches, by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDB exports connection pool statistics for db under the go_sql_ prefix
func (m *Metrics) ObserveDB(db *sql.DB, name string) {
	if m == nil || db == nil {
		return
	}
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

// CacheStatsFunc reports a cache's current size and its lifetime hits and misses
type CacheStatsFunc func() (size int, hits, misses int64)

// ObserveCache exports a read cache's size and hit counters, labelled by name
func (m *Metrics) ObserveCache(name string, stats CacheStatsFunc) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_entries",
			Help:        "Entries currently held in a read cache",
			ConstLabels: labels,
		}, func() float64 {
			size, _, _ := stats()
			return float64(size)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Read cache lookups served from memory",
			ConstLabels: labels,
		}, func() float64 {
			_, hits, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Read cache lookups that went to the database",
			ConstLabels: labels,
		}, func() float64 {
			_, _, misses := stats()
			return float64(misses)
		}),
	)
}

func (m *Metrics) ObserveDispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) LedgerAlert(kind string) {
	if m == nil {
		return
	}
	m.ledgerAlerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Charged(minorUnits int64) {
	if m == nil || minorUnits <= 0 {
		return
	}
	m.chargedMinorUnits.Add(float64(minorUnits))
}

func (m *Metrics) PricingFallback(reason string) {
	if m == nil {
		return
	}
	m.pricingFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecryptFailure() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) UsageRecordFailure() {
	if m == nil {
		return
	}
	m.usageRecordFailures.Inc()
}

func (m *Metrics) Payment(result string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) ArchiveBatch(result string) {
	if m == nil {
		return
	}
	m.archiveBatches.WithLabelValues(result).Inc()
}

// CounterValue reads a counter by its name without the namespace. With a
// labelValue, only the series carrying that label value is read; otherwise all
// series are summed.
func (m *Metrics) CounterValue(name string, labelValue ...string) float64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != namespace+"_"+name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if len(labelValue) > 0 && !hasLabelValue(metric.GetLabel(), labelValue[0]) {
				continue
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabelValue(labels []*dto.LabelPair, value string) bool {
	for _, lp := range labels {
		if lp.GetValue() == value {
			return true
		}
	}
	return false
}
