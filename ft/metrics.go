package ft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HeaderWrites       prometheus.Counter
	HeaderBytes        prometheus.Counter
	CheckpointsSkipped prometheus.Counter
	TreesEvicted       prometheus.Counter
	Redirects          prometheus.Counter
	Verifications      prometheus.Counter
	VerifyFailures     prometheus.Counter
	MessagesInjected   *prometheus.CounterVec
	GarbageScans       prometheus.Counter
}

// NewMetrics returns the metrics of the trees of an environment registered with reg; reg
// may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HeaderWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_header_writes_total",
			Help: "The total number of tree headers written by checkpoints",
		}),
		HeaderBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_header_bytes_total",
			Help: "The total number of bytes of tree headers written by checkpoints",
		}),
		CheckpointsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_checkpoints_skipped_total",
			Help: "The total number of tree checkpoints skipped because nothing changed",
		}),
		TreesEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_trees_evicted_total",
			Help: "The total number of trees evicted from memory",
		}),
		Redirects: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_dictionary_redirects_total",
			Help: "The total number of dictionary redirects, including aborted redirects",
		}),
		Verifications: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_verifications_total",
			Help: "The total number of tree verifications",
		}),
		VerifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_verify_failures_total",
			Help: "The total number of tree verifications which found the tree needs repair",
		}),
		MessagesInjected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fractal_messages_injected_total",
			Help: "The total number of messages injected into trees",
		}, []string{"type"}),
		GarbageScans: f.NewCounter(prometheus.CounterOpts{
			Name: "fractal_garbage_scans_total",
			Help: "The total number of tree garbage scans",
		}),
	}
}

func (m *Metrics) headerWritten(n int) {
	if m == nil {
		return
	}
	m.HeaderWrites.Inc()
	m.HeaderBytes.Add(float64(n))
}

func (m *Metrics) checkpointSkipped() {
	if m != nil {
		m.CheckpointsSkipped.Inc()
	}
}

func (m *Metrics) treeEvicted() {
	if m != nil {
		m.TreesEvicted.Inc()
	}
}

func (m *Metrics) redirected() {
	if m != nil {
		m.Redirects.Inc()
	}
}

func (m *Metrics) verified(failed bool) {
	if m == nil {
		return
	}
	m.Verifications.Inc()
	if failed {
		m.VerifyFailures.Inc()
	}
}

func (m *Metrics) messageInjected(typ string) {
	if m != nil {
		m.MessagesInjected.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) garbageScanned() {
	if m != nil {
		m.GarbageScans.Inc()
	}
}
