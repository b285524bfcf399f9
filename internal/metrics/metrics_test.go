package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderProgress(t *testing.T) {
	t.Parallel()
	r := New(prometheus.NewRegistry())
	r.LayerStarted(0, 4)
	r.ScaleSearched("input_layernorm", 0.35, 1e-4)
	r.Clipped("self_attn.o_proj")
	r.LayerDone(0, 250*time.Millisecond)
	r.LayerStarted(1, 4)

	p := r.Snapshot()
	if p.Layer != 1 || p.Total != 4 || p.Done != 1 || p.Clipped != 1 {
		t.Fatalf("progress %+v", p)
	}
	if p.LastGroup != "input_layernorm" || p.LastRatio != 0.35 {
		t.Fatalf("last search %+v", p)
	}
	if got := p.Percent(); got != "25.0" {
		t.Fatalf("percent %s", got)
	}
	if got := testutil.ToFloat64(r.layersDone); got != 1 {
		t.Fatalf("layers done %v", got)
	}
	if got := testutil.ToFloat64(r.layersTotal); got != 4 {
		t.Fatalf("layers total %v", got)
	}
	if got := testutil.ToFloat64(r.bestRatio.WithLabelValues("input_layernorm")); got != 0.35 {
		t.Fatalf("best ratio %v", got)
	}
}

func TestRecorderFailures(t *testing.T) {
	t.Parallel()
	r := New(prometheus.NewRegistry())
	r.Failed("numeric")
	r.Failed("numeric")
	if got := testutil.ToFloat64(r.failures.WithLabelValues("numeric")); got != 2 {
		t.Fatalf("failures %v", got)
	}
	if r.Snapshot().Failure != "numeric" {
		t.Fatal("failure kind not recorded")
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	t.Parallel()
	// A second registration on a fresh registry must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
