// Package metrics exposes the Prometheus counters the core increments
// while allocating, recycling, and replaying segments. Registration is
// guarded by a sync.Once and the collectors are package-level, so
// repeated Metrics construction in tests never double-registers them.
// The core only increments/observes these; scraping and exporting them
// over HTTP is the host database's job, not this module's.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var (
	segmentActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "segment",
		Name:      "activations_total",
		Help:      "Number of segments activated from the free list.",
	})
	segmentRecycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "segment",
		Name:      "recycles_total",
		Help:      "Number of segments returned to the free list.",
	})
	emergencyValveTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "segment",
		Name:      "emergency_valve_trips_total",
		Help:      "Number of times the free-list threshold triggered a flush request.",
	})
	freeSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashwal",
		Subsystem: "segment",
		Name:      "free_slots",
		Help:      "Current number of unallocated segment slots.",
	})
	appendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "append",
		Name:      "total",
		Help:      "Number of mutations accepted by CommitLog.Add.",
	})
	appendRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "append",
		Name:      "rejections_total",
		Help:      "Number of Add calls rejected for an out-of-bounds mutation size.",
	})
	replayedMutations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "replay",
		Name:      "mutations_total",
		Help:      "Number of mutations successfully replayed at startup.",
	})
	invalidMutations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "replay",
		Name:      "invalid_mutations_total",
		Help:      "Number of replayed sub-mutations dropped for a missing column family.",
	})
	corruptSlots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashwal",
		Subsystem: "replay",
		Name:      "corrupt_slots_total",
		Help:      "Number of un-committed slots where a corrupt frame ended scanning early.",
	})
)

// Metrics bundles the handles the core calls into. It is intentionally a
// thin value type: the underlying collectors are package-level globals,
// registered once.
type Metrics struct{}

// New registers the collectors (idempotently) and returns a handle.
// Registration is process-global: the first registry passed in wins,
// and later calls with a different Registerer share the collectors
// already registered with the first.
func New(registry prometheus.Registerer) *Metrics {
	registerOnce.Do(func() {
		registry.MustRegister(
			segmentActivations,
			segmentRecycles,
			emergencyValveTrips,
			freeSlots,
			appendsTotal,
			appendRejections,
			replayedMutations,
			invalidMutations,
			corruptSlots,
		)
	})
	return &Metrics{}
}

func (*Metrics) SegmentActivated() { segmentActivations.Inc() }

func (*Metrics) SegmentRecycled() { segmentRecycles.Inc() }

func (*Metrics) EmergencyValveTripped() { emergencyValveTrips.Inc() }

func (*Metrics) SetFreeSlots(n int) { freeSlots.Set(float64(n)) }

func (*Metrics) AppendAccepted() { appendsTotal.Inc() }

func (*Metrics) AppendRejected() { appendRejections.Inc() }

func (*Metrics) MutationReplayed() { replayedMutations.Inc() }

func (*Metrics) MutationInvalid() { invalidMutations.Inc() }

func (*Metrics) SlotCorrupt() { corruptSlots.Inc() }
