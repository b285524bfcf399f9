package model

import (
	"errors"
	"math"
	"testing"
)

func TestRopeScalingLinear(t *testing.T) {
	t.Parallel()
	cfg := &hfConfig{
		MaxPositionEmbeddings: 4096,
		RopeScaling:           &ropeScalingJSON{Type: "linear", Factor: 2},
	}
	rs, err := ropeScalingForConfig(cfg)
	if err != nil || rs == nil {
		t.Fatalf("expected rope scaling, got %v, %v", rs, err)
	}
	if rs.Type != "linear" {
		t.Fatalf("unexpected rope scaling type: %q", rs.Type)
	}
	inv := []float64{1, 0.5, 0.25}
	if f := applyRopeScaling(inv, 10000, rs); f != 1 {
		t.Fatalf("attention factor %g", f)
	}
	want := []float64{0.5, 0.25, 0.125}
	for i := range inv {
		if math.Abs(inv[i]-want[i]) > 1e-9 {
			t.Fatalf("inv[%d]=%g want %g", i, inv[i], want[i])
		}
	}
}

func TestRopeScalingLlama3Band(t *testing.T) {
	t.Parallel()
	rs := &ropeScaling{
		Type:       "llama3",
		Factor:     4,
		OrigMaxCtx: 8192,
		LowFactor:  1,
		HighFactor: 4,
		AttnFactor: 1,
	}
	long, short := 2*math.Pi/9000, 2*math.Pi/1024
	inv := []float64{long, short}
	applyRopeScaling(inv, 500000, rs)
	if math.Abs(inv[0]-long/4) > 1e-12 {
		t.Fatalf("long wavelength not divided by factor: %g", inv[0])
	}
	if inv[1] != short {
		t.Fatalf("short wavelength changed: %g", inv[1])
	}
}

func TestRopeScalingYarn(t *testing.T) {
	t.Parallel()
	cfg := &hfConfig{
		MaxPositionEmbeddings: 32768,
		RopeScaling:           &ropeScalingJSON{RopeType: "yarn", Factor: 4, OriginalMaxPositionEmbeddings: 8192},
	}
	r, err := ropeForConfig(cfg, 16, 10000)
	if err != nil {
		t.Fatal(err)
	}
	want := float32(0.1*math.Log(4) + 1)
	if math.Abs(float64(r.attn-want)) > 1e-6 {
		t.Fatalf("attention factor %g, want %g", r.attn, want)
	}
	plain, _ := ropeForConfig(&hfConfig{}, 16, 10000)
	// The highest frequency extrapolates, the lowest interpolates.
	if r.invFreq[0] != plain.invFreq[0] {
		t.Fatalf("inv[0] = %g, want %g", r.invFreq[0], plain.invFreq[0])
	}
	last := len(r.invFreq) - 1
	if math.Abs(r.invFreq[last]-plain.invFreq[last]/4) > 1e-12 {
		t.Fatalf("inv[last] = %g, want %g", r.invFreq[last], plain.invFreq[last]/4)
	}
}

func TestRopeScalingDefaultAndUnknown(t *testing.T) {
	t.Parallel()
	rs, err := ropeScalingForConfig(&hfConfig{RopeScaling: &ropeScalingJSON{Type: "default"}})
	if err != nil || rs != nil {
		t.Fatalf("default scaling = %v, %v", rs, err)
	}
	_, err = ropeScalingForConfig(&hfConfig{RopeScaling: &ropeScalingJSON{Type: "dynamic", Factor: 2}})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}
