package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	EventsIngested     *prometheus.CounterVec
	LedgerEntries      *prometheus.CounterVec
	LedgerAmountCents  *prometheus.CounterVec
	EntriesReleased    prometheus.Counter
	ReplayCacheLookups *prometheus.CounterVec

	// Payout metrics
	Payouts              *prometheus.CounterVec
	PayoutAmountCents    prometheus.Counter
	TransferDuration     prometheus.Histogram
	ReconciledPayouts    *prometheus.CounterVec
	OutboxPublishResults *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commission_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_events_ingested_total",
			Help: "Revenue and reversal events by type and ingestion outcome",
		}, []string{"type", "outcome"}),
		LedgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_ledger_entries_total",
			Help: "Ledger entries written by event type and tier",
		}, []string{"event_type", "tier"}),
		LedgerAmountCents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_ledger_amount_cents_total",
			Help: "Absolute cents written to the ledger by direction",
		}, []string{"direction"}),
		EntriesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "commission_entries_released_total",
			Help: "Entries moved from PENDING to AVAILABLE after their hold period",
		}),
		ReplayCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_replay_cache_lookups_total",
			Help: "Event replay cache lookups by result",
		}, []string{"result"}),
		Payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_payouts_total",
			Help: "Payout attempts by final status",
		}, []string{"status"}),
		PayoutAmountCents: factory.NewCounter(prometheus.CounterOpts{
			Name: "commission_payout_amount_cents_total",
			Help: "Cents confirmed sent to affiliates",
		}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "commission_transfer_duration_seconds",
			Help:    "Latency of external transfer calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		ReconciledPayouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_reconciled_payouts_total",
			Help: "Payouts resolved by the reconciliation job by resolution",
		}, []string{"resolution"}),
		OutboxPublishResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_outbox_publish_total",
			Help: "Outbox publish attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveLedgerEntry(eventType, tier string, amountCents int64) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(eventType, tier).Inc()
	if amountCents >= 0 {
		m.LedgerAmountCents.WithLabelValues("credit").Add(float64(amountCents))
	} else {
		m.LedgerAmountCents.WithLabelValues("debit").Add(float64(-amountCents))
	}
}

func (m *Metrics) ObserveReleased(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.EntriesReleased.Add(float64(count))
}

func (m *Metrics) ObserveReplayCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ReplayCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePayout(status string, amountCents int64) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(status).Inc()
	if status == "SENT" && amountCents > 0 {
		m.PayoutAmountCents.Add(float64(amountCents))
	}
}

func (m *Metrics) ObserveTransfer(d time.Duration) {
	if m == nil {
		return
	}
	m.TransferDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveReconciled(resolution string) {
	if m == nil {
		return
	}
	m.ReconciledPayouts.WithLabelValues(resolution).Inc()
}

func (m *Metrics) ObserveOutboxPublish(ok bool) {
	if m == nil {
		return
	}
	result := "published"
	if !ok {
		result = "failed"
	}
	m.OutboxPublishResults.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
