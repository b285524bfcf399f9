package nn

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/awq/internal/quant"
	"github.com/samcharles93/awq/internal/tensor"
)

func randMat(r, c int, seed int64) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(m, seed, 1)
	return m
}

func randLinear(name string, out, in int, seed int64) *Linear {
	return NewLinear(name, randMat(out, in, seed), nil)
}

func assertClose(t *testing.T, got, want *tensor.Mat, tol float64) {
	t.Helper()
	if got.R != want.R || got.C != want.C {
		t.Fatalf("shape %dx%d, want %dx%d", got.R, got.C, want.R, want.C)
	}
	for i := 0; i < got.R; i++ {
		for j := 0; j < got.C; j++ {
			if d := math.Abs(float64(got.Row(i)[j] - want.Row(i)[j])); d > tol {
				t.Fatalf("[%d,%d] = %v, want %v", i, j, got.Row(i)[j], want.Row(i)[j])
			}
		}
	}
}

func TestSanitizeKeepsAcceptedNames(t *testing.T) {
	t.Parallel()
	kw := Kwargs{
		KwAttentionMask: tensor.NewMat(1, 4),
		KwPositionIDs:   []int{0, 1, 2, 3},
		KwUseCache:      false,
		"past_key_value": nil,
	}
	enc := &EncoderLayer{}
	got := Sanitize(kw, enc)
	if len(got) != 1 || got[KwAttentionMask] == nil {
		t.Fatalf("encoder kwargs = %v", got)
	}
	if got := Sanitize(kw, &Linear{}); len(got) != 0 {
		t.Fatalf("linear kwargs = %v", got)
	}
	dec := Sanitize(kw, &DecoderLayer{})
	if _, ok := dec["past_key_value"]; ok || len(dec) != 3 {
		t.Fatalf("decoder kwargs = %v", dec)
	}
	if _, ok := kw["past_key_value"]; !ok {
		t.Fatal("Sanitize modified its input")
	}
}

func TestKwargsSeqLen(t *testing.T) {
	t.Parallel()
	if n, ok := (Kwargs{KwAttentionMask: tensor.NewMat(2, 5)}).SeqLen(); !ok || n != 5 {
		t.Fatalf("mask seq len = %d, %v", n, ok)
	}
	if n, ok := (Kwargs{KwPositionIDs: []int{0, 1, 2}}).SeqLen(); !ok || n != 3 {
		t.Fatalf("position seq len = %d, %v", n, ok)
	}
	if _, ok := (Kwargs{}).SeqLen(); ok {
		t.Fatal("empty kwargs reported a seq len")
	}
}

func TestTrialWeightsDoNotLeak(t *testing.T) {
	t.Parallel()
	l := randLinear("fc", 3, 4, 1)
	orig := l.Weight.Clone()
	x := randMat(2, 4, 2)
	base, err := l.Forward(x, nil)
	if err != nil {
		t.Fatal(err)
	}

	trial := tensor.NewMat(3, 4)
	var during *tensor.Mat
	err = WithTrialWeights(map[*Linear]*tensor.Mat{l: trial}, func() error {
		during, err = l.Forward(x, nil)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range during.Data {
		if v != 0 {
			t.Fatalf("trial weight not used: %v", during.Data)
		}
	}
	after, _ := l.Forward(x, nil)
	assertClose(t, after, base, 0)
	assertClose(t, l.Weight, orig, 0)

	sentinel := errors.New("boom")
	if err := WithTrialWeights(map[*Linear]*tensor.Mat{l: trial}, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
	after, _ = l.Forward(x, nil)
	assertClose(t, after, base, 0)

	if err := WithTrialWeights(map[*Linear]*tensor.Mat{l: tensor.NewMat(2, 2)}, func() error { return nil }); err == nil {
		t.Fatal("mis-shaped trial accepted")
	}
}

func TestObserverSeesInputAndCanBeRemoved(t *testing.T) {
	t.Parallel()
	l := randLinear("fc", 2, 3, 4)
	var seen int
	remove := l.Observe(func(x *tensor.Mat) { seen += x.R })
	x := randMat(5, 3, 5)
	if _, err := l.Forward(x, nil); err != nil {
		t.Fatal(err)
	}
	remove()
	if _, err := l.Forward(x, nil); err != nil {
		t.Fatal(err)
	}
	if seen != 5 {
		t.Fatalf("observer saw %d rows, want 5", seen)
	}
}

// Dividing the producer and multiplying the consumer by the same scale must
// leave the block output unchanged.
func TestScaleFoldingPreservesOutput(t *testing.T) {
	t.Parallel()
	s := []float32{0.5, 2, 1.5, 0.25}
	x := randMat(3, 4, 6)

	t.Run("rmsnorm", func(t *testing.T) {
		norm := &RMSNorm{Weight: []float32{1, 0.9, 1.1, 1.2}, Eps: 1e-6}
		fc := randLinear("fc", 2, 4, 7)
		ref := chain(t, x, norm, fc)
		if err := norm.DivScale(s); err != nil {
			t.Fatal(err)
		}
		if err := fc.MulScale(s); err != nil {
			t.Fatal(err)
		}
		assertClose(t, chain(t, x, norm, fc), ref, 1e-5)
	})
	t.Run("layernorm", func(t *testing.T) {
		norm := &LayerNorm{Weight: []float32{1, 0.9, 1.1, 1.2}, Bias: []float32{0.1, -0.2, 0, 0.3}, Eps: 1e-5}
		fc := randLinear("fc", 2, 4, 8)
		ref := chain(t, x, norm, fc)
		_ = norm.DivScale(s)
		_ = fc.MulScale(s)
		assertClose(t, chain(t, x, norm, fc), ref, 1e-5)
	})
	t.Run("linear", func(t *testing.T) {
		up := NewLinear("up", randMat(6, 4, 9), []float32{1, 2, 3, 4, 5, 6})
		down := randLinear("down", 2, 4, 10)
		// Only the last four rows of up feed down.
		tail := &sliceTail{n: 4}
		ref := chain(t, x, up, tail, down)
		_ = up.DivScale(s)
		_ = down.MulScale(s)
		assertClose(t, chain(t, x, up, tail, down), ref, 1e-5)
	})
	t.Run("activation", func(t *testing.T) {
		act := &ScaledActivation{Act: ActGelu}
		fc := randLinear("fc", 2, 4, 11)
		ref := chain(t, x, act, fc)
		_ = act.DivScale(s)
		_ = fc.MulScale(s)
		assertClose(t, chain(t, x, act, fc), ref, 1e-5)
	})
}

type sliceTail struct{ n int }

func (s *sliceTail) ForwardArgs() []string { return nil }
func (s *sliceTail) Forward(x *tensor.Mat, _ Kwargs) (*tensor.Mat, error) {
	out := tensor.NewMat(x.R, s.n)
	for i := 0; i < x.R; i++ {
		copy(out.Row(i), x.Row(i)[x.C-s.n:])
	}
	return out, nil
}

func chain(t *testing.T, x *tensor.Mat, mods ...Module) *tensor.Mat {
	t.Helper()
	var err error
	for _, m := range mods {
		if x, err = m.Forward(x, nil); err != nil {
			t.Fatal(err)
		}
	}
	return x
}

func TestCausalAttentionIgnoresFuture(t *testing.T) {
	t.Parallel()
	attn := &Attention{
		Q: randLinear("q", 8, 8, 1), K: randLinear("k", 4, 8, 2),
		V: randLinear("v", 4, 8, 3), O: randLinear("o", 8, 8, 4),
		Heads: 2, KVHeads: 1, HeadDim: 4, Causal: true, RopeTheta: 10000,
	}
	x := randMat(4, 8, 5)
	kw := Kwargs{KwPositionIDs: []int{0, 1, 2, 3}}
	full, err := attn.Forward(x, kw)
	if err != nil {
		t.Fatal(err)
	}
	y := x.Clone()
	for j := range y.Row(3) {
		y.Row(3)[j] += 1
	}
	changed, err := attn.Forward(y, kw)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, changed.SliceRows(0, 3), full.SliceRows(0, 3), 1e-6)
}

func TestAttentionMaskHidesPadding(t *testing.T) {
	t.Parallel()
	attn := &Attention{
		Q: randLinear("query", 4, 4, 1), K: randLinear("key", 4, 4, 2), V: randLinear("value", 4, 4, 3),
		Heads: 1, KVHeads: 1, HeadDim: 4,
	}
	mask := tensor.NewMatFromData(1, 3, []float32{1, 1, 0})
	x := randMat(3, 4, 4)
	base, err := attn.Forward(x, Kwargs{KwAttentionMask: mask})
	if err != nil {
		t.Fatal(err)
	}
	y := x.Clone()
	for j := range y.Row(2) {
		y.Row(2)[j] = 9
	}
	got, err := attn.Forward(y, Kwargs{KwAttentionMask: mask})
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, got.SliceRows(0, 2), base.SliceRows(0, 2), 1e-6)
	if base.C != 4 {
		t.Fatalf("attention without output projection returned width %d", base.C)
	}
}

func TestSparseMoERoutesOnlySelectedTokens(t *testing.T) {
	t.Parallel()
	// Router sends every token to expert 1 (largest logit) and expert 0.
	router := NewLinear("block_sparse_moe.gate", tensor.NewMatFromData(3, 2, []float32{0, 1, 0, 2, -5, -5}), nil)
	experts := make([]*Expert, 3)
	for e := range experts {
		experts[e] = &Expert{
			W1: randLinear("w1", 4, 2, int64(e)), W2: randLinear("w2", 2, 4, int64(e+10)), W3: randLinear("w3", 4, 2, int64(e+20)),
		}
	}
	moe := &SparseMoE{Router: router, Experts: experts, TopK: 2}
	var seen [3]int
	for e, ex := range experts {
		e := e
		ex.W2.Observe(func(x *tensor.Mat) { seen[e] += x.R })
	}
	var blockRows int
	moe.Observe(func(x *tensor.Mat) { blockRows = x.R })

	x := tensor.NewMatFromData(2, 2, []float32{1, 1, 2, 0.5})
	out, err := moe.Forward(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	if blockRows != 2 {
		t.Fatalf("block observer saw %d rows", blockRows)
	}
	if seen != [3]int{2, 2, 0} {
		t.Fatalf("expert token counts = %v, want [2 2 0]", seen)
	}
	if !out.AllFinite() || out.R != 2 || out.C != 2 {
		t.Fatalf("bad output %+v", out)
	}
}

func TestTopKTiesGoToLowerIndex(t *testing.T) {
	t.Parallel()
	got := topK([]float32{0.2, 0.5, 0.5, 0.1}, 2)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("topK = %v, want [1 2]", got)
	}
}

func TestLinearQuantizeDiscardsWeight(t *testing.T) {
	t.Parallel()
	l := randLinear("fc", 8, 16, 3)
	x := randMat(2, 16, 4)
	ref, _ := l.Forward(x, nil)
	cfg := quant.Config{Bits: 8, GroupSize: 8, ZeroPoint: true}
	if err := l.Quantize(cfg, quant.FormatGEMM); err != nil {
		t.Fatal(err)
	}
	if l.Weight != nil || !l.Quantized() || l.Packed() == nil {
		t.Fatal("weight not replaced by packed form")
	}
	if l.In() != 16 || l.Out() != 8 {
		t.Fatalf("shape after quantize = %dx%d", l.Out(), l.In())
	}
	got, err := l.Forward(x, nil)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, got, ref, 0.05)
	if err := l.MulScale(make([]float32, 16)); !errors.Is(err, ErrQuantized) {
		t.Fatalf("MulScale after quantize: %v", err)
	}

	reload := &Linear{Name: "fc"}
	if err := reload.LoadPacked(l.Packed()); err != nil {
		t.Fatal(err)
	}
	again, _ := reload.Forward(x, nil)
	assertClose(t, again, got, 5e-3)
}

func TestClampPerGroup(t *testing.T) {
	t.Parallel()
	l := NewLinear("fc", tensor.NewMatFromData(1, 4, []float32{-3, 0.5, 2, -0.1}), nil)
	if err := l.Clamp(tensor.NewMatFromData(1, 2, []float32{1, 0.05})); err != nil {
		t.Fatal(err)
	}
	want := []float32{-1, 0.5, 0.05, -0.05}
	for i, v := range want {
		if l.Weight.Data[i] != v {
			t.Fatalf("clamped = %v, want %v", l.Weight.Data, want)
		}
	}
}
