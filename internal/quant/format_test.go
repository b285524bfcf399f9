package quant

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/awq/internal/tensor"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for _, f := range Formats {
		got, err := ParseFormat(string(f))
		if err != nil || got != f {
			t.Fatalf("ParseFormat(%q) = %q, %v", f, got, err)
		}
	}
	if got, err := ParseFormat(" GEMM "); err != nil || got != FormatGEMM {
		t.Fatalf("case-insensitive parse failed: %q, %v", got, err)
	}
	if _, err := ParseFormat("foo"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestMarlinRequiresSymmetric4Bit(t *testing.T) {
	t.Parallel()
	if err := FormatMarlin.Check(Config{Bits: 4, GroupSize: 8, ZeroPoint: true}); err == nil {
		t.Fatal("marlin accepted zero-point config")
	}
	if err := FormatMarlin.Check(Config{Bits: 8, GroupSize: 8}); err == nil {
		t.Fatal("marlin accepted 8-bit config")
	}
	if err := FormatMarlin.Check(Config{Bits: 4, GroupSize: 8}); err != nil {
		t.Fatalf("marlin rejected valid config: %v", err)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		format Format
		cfg    Config
		rows   int
		cols   int
	}{
		{FormatGEMM, Config{Bits: 4, GroupSize: 8, ZeroPoint: true}, 16, 32},
		{FormatGEMM, Config{Bits: 4, GroupSize: 8, ZeroPoint: true}, 12, 16},
		{FormatGEMM, Config{Bits: 3, GroupSize: -1, ZeroPoint: true}, 7, 20},
		{FormatGEMV, Config{Bits: 4, GroupSize: 8, ZeroPoint: true}, 16, 32},
		{FormatGEMV, Config{Bits: 8, GroupSize: 16}, 5, 32},
		{FormatGEMVFast, Config{Bits: 4, GroupSize: 8, ZeroPoint: true}, 8, 24},
		{FormatMarlin, Config{Bits: 4, GroupSize: 8}, 16, 32},
	}
	for _, tc := range cases {
		t.Run(string(tc.format), func(t *testing.T) {
			t.Parallel()
			w := tensor.NewMat(tc.rows, tc.cols)
			tensor.FillRand(w, int64(tc.rows*tc.cols), 1)
			codes, p, err := tc.cfg.Quantize(w)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			pk, err := tc.format.Pack(tc.cfg, codes, tc.rows, tc.cols, p)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			if (pk.QZeros != nil) != (tc.cfg.ZeroPoint && tc.format != FormatMarlin) {
				t.Fatalf("zeros presence mismatch: %v", pk.QZeros != nil)
			}
			got, gp, err := pk.Unpack()
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			for i := range codes {
				if got[i] != codes[i] {
					t.Fatalf("code %d: got %d want %d", i, got[i], codes[i])
				}
			}
			for i := range p.Scales {
				if rel := math.Abs(float64(gp.Scales[i]-p.Scales[i])) / float64(p.Scales[i]); rel > 1e-3 {
					t.Fatalf("scale %d: got %v want %v", i, gp.Scales[i], p.Scales[i])
				}
				if p.Zeros != nil && gp.Zeros[i] != p.Zeros[i] {
					t.Fatalf("zero %d: got %v want %v", i, gp.Zeros[i], p.Zeros[i])
				}
			}
		})
	}
}

func TestGEMMInterleavesNibbles(t *testing.T) {
	t.Parallel()
	cfg := Config{Bits: 4, GroupSize: -1, ZeroPoint: true}
	rows, cols := 8, 1
	codes := []int32{0, 1, 2, 3, 4, 5, 6, 7}
	p := Params{Rows: rows, Groups: 1, Scales: make([]float32, rows), Zeros: make([]float32, rows)}
	for i := range p.Scales {
		p.Scales[i] = 1
	}
	pk, err := FormatGEMM.Pack(cfg, codes, rows, cols, p)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if pk.QWeightShape != [2]int{1, 1} {
		t.Fatalf("qweight shape = %v", pk.QWeightShape)
	}
	// Slots hold output channels 0,2,4,6,1,3,5,7.
	want := uint32(0x75316420)
	if uint32(pk.QWeight[0]) != want {
		t.Fatalf("qweight = %#x, want %#x", uint32(pk.QWeight[0]), want)
	}
}
