// Package metrics exposes quantization progress as Prometheus metrics and as
// a snapshot for the status API.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the quantizer's progress callbacks.
type Recorder struct {
	layersTotal   prometheus.Gauge
	layersDone    prometheus.Counter
	layerDuration prometheus.Histogram
	searchLoss    *prometheus.HistogramVec
	bestRatio     *prometheus.GaugeVec
	clipped       prometheus.Counter
	failures      *prometheus.CounterVec

	mu   sync.Mutex
	prog Progress
}

// Progress is a point in time view of a run.
type Progress struct {
	Layer     int       `json:"layer"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	LastGroup string    `json:"last_group,omitempty"`
	LastRatio float64   `json:"last_ratio"`
	LastLoss  float64   `json:"last_loss"`
	Clipped   int       `json:"clipped"`
	Failure   string    `json:"failure,omitempty"`
	Updated   time.Time `json:"updated"`
}

// New registers the run metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		layersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "awq_layers_total",
			Help: "Number of blocks in the network being quantized",
		}),
		layersDone: f.NewCounter(prometheus.CounterOpts{
			Name: "awq_layers_done_total",
			Help: "Blocks fully scaled, clipped and packed",
		}),
		layerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "awq_layer_duration_seconds",
			Help:    "Wall time spent per block",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		searchLoss: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "awq_scale_search_loss",
			Help:    "Best output MSE found by the scale search",
			Buckets: prometheus.ExponentialBuckets(1e-8, 10, 10),
		}, []string{"prev_op"}),
		bestRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "awq_scale_best_ratio",
			Help: "Ratio selected by the most recent scale search",
		}, []string{"prev_op"}),
		clipped: f.NewCounter(prometheus.CounterOpts{
			Name: "awq_clipped_linears_total",
			Help: "Linears clamped to searched thresholds",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "awq_failures_total",
			Help: "Run failures by error kind",
		}, []string{"kind"}),
	}
}

func (r *Recorder) update(fn func(p *Progress)) {
	r.mu.Lock()
	fn(&r.prog)
	r.prog.Updated = time.Now()
	r.mu.Unlock()
}

func (r *Recorder) LayerStarted(layer, total int) {
	r.layersTotal.Set(float64(total))
	r.update(func(p *Progress) { p.Layer, p.Total = layer, total })
}

func (r *Recorder) LayerDone(layer int, elapsed time.Duration) {
	r.layersDone.Inc()
	r.layerDuration.Observe(elapsed.Seconds())
	r.update(func(p *Progress) { p.Done = layer + 1 })
}

func (r *Recorder) ScaleSearched(group string, ratio, loss float64) {
	r.searchLoss.WithLabelValues(group).Observe(loss)
	r.bestRatio.WithLabelValues(group).Set(ratio)
	r.update(func(p *Progress) { p.LastGroup, p.LastRatio, p.LastLoss = group, ratio, loss })
}

func (r *Recorder) Clipped(string) {
	r.clipped.Inc()
	r.update(func(p *Progress) { p.Clipped++ })
}

func (r *Recorder) Failed(kind string) {
	r.failures.WithLabelValues(kind).Inc()
	r.update(func(p *Progress) { p.Failure = kind })
}

// Snapshot returns the current progress.
func (r *Recorder) Snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prog
}

// Percent is the share of finished blocks, 0..100.
func (p Progress) Percent() string {
	if p.Total == 0 {
		return "0"
	}
	return strconv.FormatFloat(100*float64(p.Done)/float64(p.Total), 'f', 1, 64)
}
