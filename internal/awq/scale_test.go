package awq

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/awq/internal/model"
	"github.com/samcharles93/awq/internal/nn"
	"github.com/samcharles93/awq/internal/tensor"
	"github.com/samcharles93/awq/internal/toy"
)

func TestCandidateScaleNormalised(t *testing.T) {
	t.Parallel()
	x := []float64{0.01, 0.5, 3, 40, 0}
	w := []float64{0.2, 0.9, 0.4, 0.05, 0.3}
	for _, duo := range []bool{true, false} {
		for k := 0; k < gridSize; k++ {
			s := candidateScale(x, w, float64(k)/gridSize, duo)
			mx, mn := float32(math.Inf(-1)), float32(math.Inf(1))
			for _, v := range s {
				if v <= 0 {
					t.Fatalf("duo=%v k=%d: non-positive scale %v", duo, k, v)
				}
				mx, mn = max(mx, v), min(mn, v)
			}
			if p := float64(mx) * float64(mn); math.Abs(p-1) > 1e-4 {
				t.Fatalf("duo=%v k=%d: max*min = %v", duo, k, p)
			}
		}
	}
	// Ratio zero without duo scaling is the identity.
	for _, v := range candidateScale(x, w, 0, false) {
		if v != 1 {
			t.Fatalf("identity ratio gave %v", v)
		}
	}
}

func TestCandidateScaleReplacesNonFinite(t *testing.T) {
	t.Parallel()
	s := candidateScale([]float64{math.Inf(1), 1}, []float64{1, 1}, 0.5, false)
	for _, v := range s {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite scale in %v", s)
		}
	}
}

// firstGroups initialises q and returns the scaling groups of block 0.
func firstGroups(t *testing.T, q *Quantizer, m model.Model) []model.ScalingGroup {
	t.Helper()
	if err := q.Init(batch(3, 10, 100)); err != nil {
		t.Fatal(err)
	}
	layer := m.Layers()[0]
	feats, _, err := q.captureLayer(layer, q.namedLinears(layer))
	if err != nil {
		t.Fatal(err)
	}
	groups, err := m.ScalingGroups(0, feats, q.kwargs)
	if err != nil {
		t.Fatal(err)
	}
	return groups
}

func TestSearchBestScale(t *testing.T) {
	t.Parallel()
	m := loadToy(t, toy.Llama())
	cfg := testConfig()
	cfg.DuoScaling = false
	q := newQuantizer(t, m, cfg)
	groups := firstGroups(t, q, m)
	before := snapshot(m)

	for i := range groups {
		g := &groups[i]
		res, err := q.searchBestScale(g)
		if err != nil {
			t.Fatalf("%s: %v", g.PrevName, err)
		}
		if len(res.History) != gridSize {
			t.Fatalf("%s: %d losses", g.PrevName, len(res.History))
		}
		for _, l := range res.History {
			if res.Loss > l {
				t.Fatalf("%s: best loss %g above candidate %g", g.PrevName, res.Loss, l)
			}
		}
		// Ratio zero is plain round-to-nearest here.
		if res.Loss > res.History[0] {
			t.Fatalf("%s: best loss %g above unscaled %g", g.PrevName, res.Loss, res.History[0])
		}
		if len(res.Scales) != g.Layers[0].In() {
			t.Fatalf("%s: %d scales", g.PrevName, len(res.Scales))
		}
		again, err := q.searchBestScale(g)
		if err != nil {
			t.Fatal(err)
		}
		if again.Ratio != res.Ratio || again.Loss != res.Loss {
			t.Fatalf("%s: search not deterministic", g.PrevName)
		}
		sameScales(t, g.PrevName, res.Scales, again.Scales)
	}
	unchanged(t, before)
}

// poisoned returns finite output for the reference call and NaN afterwards.
type poisoned struct {
	inner nn.Module
	calls int
}

func (p *poisoned) ForwardArgs() []string { return p.inner.ForwardArgs() }

func (p *poisoned) Forward(x *tensor.Mat, kw nn.Kwargs) (*tensor.Mat, error) {
	out, err := p.inner.Forward(x, kw)
	p.calls++
	if err != nil || p.calls == 1 {
		return out, err
	}
	for i := range out.Data {
		out.Data[i] = float32(math.NaN())
	}
	return out, nil
}

func TestSearchFailureWhenNoLossIsFinite(t *testing.T) {
	t.Parallel()
	m := loadToy(t, toy.Llama())
	q := newQuantizer(t, m, testConfig())
	groups := firstGroups(t, q, m)
	g := groups[0]
	g.Inspect = &poisoned{inner: g.Module()}
	_, err := q.searchBestScale(&g)
	if !errors.Is(err, ErrSearchFailure) {
		t.Fatalf("err = %v, want ErrSearchFailure", err)
	}
}

func sameScales(t *testing.T, name string, a, b []float32) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("%s: %d vs %d scales", name, len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("%s: scale[%d] = %v vs %v", name, i, a[i], b[i])
		}
	}
}
