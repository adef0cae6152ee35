// Package metrics publishes Prometheus instrumentation for cache activity.
// A nil *Recorder is valid everywhere and records nothing, so callers never
// guard call sites.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome captures how a fetch flight ended.
type FetchOutcome string

const (
	// FetchSuccess indicates the flight resolved and its value was applied.
	FetchSuccess FetchOutcome = "success"
	// FetchError indicates the flight exhausted its attempts and recorded a
	// failure.
	FetchError FetchOutcome = "error"
	// FetchSuperseded indicates the result was discarded because newer state
	// landed while the flight ran.
	FetchSuperseded FetchOutcome = "superseded"
)

// ReadOutcome captures how a read-through resolved.
type ReadOutcome string

const (
	// ReadFresh indicates the cached value was served within its staleness
	// window.
	ReadFresh ReadOutcome = "fresh"
	// ReadStale indicates a stale value was served while revalidation was
	// kicked off in the background.
	ReadStale ReadOutcome = "stale"
	// ReadFetched indicates the caller waited for a network load.
	ReadFetched ReadOutcome = "fetched"
	// ReadError indicates the caller waited for a load and it failed.
	ReadError ReadOutcome = "error"
)

// MutationOutcome captures how a mutation settled.
type MutationOutcome string

const (
	// MutationCommitted indicates the remote write succeeded.
	MutationCommitted MutationOutcome = "committed"
	// MutationRolledBack indicates the remote write failed and optimistic
	// patches were reverted.
	MutationRolledBack MutationOutcome = "rolled_back"
)

// InvalidationMode distinguishes stale-marking from outright removal.
type InvalidationMode string

const (
	// InvalidateMark records entries marked stale in place.
	InvalidateMark InvalidationMode = "invalidate"
	// InvalidateDrop records entries deleted from the store.
	InvalidateDrop InvalidationMode = "remove"
)

// Recorder publishes Prometheus metrics for cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchOperations *prometheus.CounterVec
	fetchLatency    *prometheus.HistogramVec
	fetchJoins      prometheus.Counter
	reconciliations *prometheus.CounterVec

	readOperations *prometheus.CounterVec

	mutationOperations *prometheus.CounterVec
	mutationLatency    *prometheus.HistogramVec

	entries       prometheus.Gauge
	observers     prometheus.Gauge
	flights       prometheus.Gauge
	evictions     prometheus.Counter
	invalidations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "fetch",
		Name:      "operations_total",
		Help:      "Fetch flights completed, by trigger reason and outcome.",
	}, []string{"reason", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "requery",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed fetch flights, retries included.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	fetchJoins := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "fetch",
		Name:      "joins_total",
		Help:      "Callers that joined an already-running flight instead of starting one.",
	})

	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "fetch",
		Name:      "reconciliations_total",
		Help:      "Refetches over an existing value, by whether the value changed.",
	}, []string{"result"})

	readOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "read",
		Name:      "operations_total",
		Help:      "Read-through operations, by how they resolved.",
	}, []string{"result"})

	mutationOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "mutation",
		Name:      "operations_total",
		Help:      "Mutations settled, by outcome.",
	}, []string{"outcome"})

	mutationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "requery",
		Subsystem: "mutation",
		Name:      "duration_seconds",
		Help:      "Latency distribution for the remote write portion of mutations.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	entries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "requery",
		Subsystem: "store",
		Name:      "entries",
		Help:      "Entries currently held in the store.",
	})

	observers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "requery",
		Subsystem: "store",
		Name:      "observers",
		Help:      "Active subscriptions across all entries.",
	})

	flights := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "requery",
		Subsystem: "store",
		Name:      "flights",
		Help:      "Fetch flights currently in progress.",
	})

	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Unobserved entries removed after their idle grace expired.",
	})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "requery",
		Subsystem: "store",
		Name:      "invalidations_total",
		Help:      "Entries touched by invalidation cascades, by mode.",
	}, []string{"mode"})

	reg.MustRegister(
		fetchOperations, fetchLatency, fetchJoins, reconciliations,
		readOperations, mutationOperations, mutationLatency,
		entries, observers, flights, evictions, invalidations,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		fetchOperations:    fetchOperations,
		fetchLatency:       fetchLatency,
		fetchJoins:         fetchJoins,
		reconciliations:    reconciliations,
		readOperations:     readOperations,
		mutationOperations: mutationOperations,
		mutationLatency:    mutationLatency,
		entries:            entries,
		observers:          observers,
		flights:            flights,
		evictions:          evictions,
		invalidations:      invalidations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records a completed fetch flight.
func (r *Recorder) ObserveFetch(reason string, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(FetchError)
	}
	r.fetchOperations.WithLabelValues(normalizeLabel(reason), outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveFetchJoin records a caller deduplicated onto a running flight.
func (r *Recorder) ObserveFetchJoin() {
	if r == nil {
		return
	}
	r.fetchJoins.Inc()
}

// ObserveReconcile records a refetch that resolved over an existing value.
func (r *Recorder) ObserveReconcile(changed bool) {
	if r == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	r.reconciliations.WithLabelValues(result).Inc()
}

// ObserveRead records how a read-through resolved.
func (r *Recorder) ObserveRead(result ReadOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(ReadError)
	}
	r.readOperations.WithLabelValues(resultLabel).Inc()
}

// ObserveMutation records a settled mutation and the latency of its remote
// write.
func (r *Recorder) ObserveMutation(outcome MutationOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(MutationRolledBack)
	}
	r.mutationOperations.WithLabelValues(outcomeLabel).Inc()
	r.mutationLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveInvalidation records entries touched by an invalidation cascade.
func (r *Recorder) ObserveInvalidation(mode InvalidationMode, count int) {
	if r == nil || count <= 0 {
		return
	}
	modeLabel := string(mode)
	if modeLabel == "" {
		modeLabel = string(InvalidateMark)
	}
	r.invalidations.WithLabelValues(modeLabel).Add(float64(count))
}

// ObserveEvictions records entries garbage collected by the sweeper.
func (r *Recorder) ObserveEvictions(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.evictions.Add(float64(count))
}

// SetEntries publishes the current store size.
func (r *Recorder) SetEntries(n int) {
	if r == nil {
		return
	}
	r.entries.Set(float64(n))
}

// SetObservers publishes the current subscription count.
func (r *Recorder) SetObservers(n int) {
	if r == nil {
		return
	}
	r.observers.Set(float64(n))
}

// SetFlights publishes the number of fetches currently in progress.
func (r *Recorder) SetFlights(n int) {
	if r == nil {
		return
	}
	r.flights.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
