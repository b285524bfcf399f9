// Package quant implements group-wise low-bit weight quantization: the
// pseudo-quantize transform used while searching, integer code generation for
// the final pack, and the packed kernel layouts.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/awq/internal/tensor"
)

// scaleEpsilon floors every group scale so constant groups never divide by zero.
const scaleEpsilon = 1e-5

var (
	ErrGroupSize = errors.New("quant: group size does not divide row width")
	ErrNonFinite = errors.New("quant: non-finite value")
	ErrBits      = errors.New("quant: unsupported bit width")
)

// Config describes the integer grid weights are mapped onto.
//
// GroupSize <= 0 means the whole row forms a single group. ZeroPoint selects
// asymmetric quantization with an integer offset per group; otherwise the grid
// is symmetric around zero.
type Config struct {
	Bits      int  `yaml:"w_bit" json:"w_bit"`
	GroupSize int  `yaml:"q_group_size" json:"q_group_size"`
	ZeroPoint bool `yaml:"zero_point" json:"zero_point"`
}

// Validate checks the bit width. Group size is validated per tensor since it
// depends on the row width.
func (c Config) Validate() error {
	if c.Bits < 2 || c.Bits > 8 {
		return fmt.Errorf("%w: %d (want 2..8)", ErrBits, c.Bits)
	}
	return nil
}

// IntRange returns the inclusive code range for the configured mode.
func (c Config) IntRange() (minInt, maxInt int) {
	if c.ZeroPoint {
		return 0, 1<<c.Bits - 1
	}
	maxInt = 1<<(c.Bits-1) - 1
	return -maxInt - 1, maxInt
}

// GroupLen resolves the effective group length for rows of width cols.
func (c Config) GroupLen(cols int) (int, error) {
	if c.GroupSize <= 0 {
		return cols, nil
	}
	if cols%c.GroupSize != 0 {
		return 0, fmt.Errorf("%w: %d %% %d != 0", ErrGroupSize, cols, c.GroupSize)
	}
	return c.GroupSize, nil
}

// Params holds the per-group scale and (in zero-point mode) zero offset,
// laid out [Rows x Groups].
type Params struct {
	Rows, Groups int
	Scales       []float32
	Zeros        []float32
}

// Scale returns the scale for row r, group g.
func (p Params) Scale(r, g int) float32 { return p.Scales[r*p.Groups+g] }

// Zero returns the zero offset for row r, group g, or 0 in symmetric mode.
func (p Params) Zero(r, g int) float32 {
	if p.Zeros == nil {
		return 0
	}
	return p.Zeros[r*p.Groups+g]
}

// PseudoQuantize maps w onto the integer grid and back, returning a new
// matrix together with the parameters used. w is never modified.
func (c Config) PseudoQuantize(w *tensor.Mat) (*tensor.Mat, Params, error) {
	out := tensor.NewMat(w.R, w.C)
	p, err := c.run(w, func(r, j int, _ int32, deq float32) {
		out.Data[r*out.C+j] = deq
	})
	if err != nil {
		return nil, Params{}, err
	}
	if !out.AllFinite() {
		return nil, Params{}, fmt.Errorf("%w in pseudo-quantized weights", ErrNonFinite)
	}
	return out, p, nil
}

// Quantize returns the integer codes of w in row-major order together with
// the group parameters.
func (c Config) Quantize(w *tensor.Mat) ([]int32, Params, error) {
	codes := make([]int32, w.R*w.C)
	p, err := c.run(w, func(r, j int, code int32, _ float32) {
		codes[r*w.C+j] = code
	})
	if err != nil {
		return nil, Params{}, err
	}
	return codes, p, nil
}

// Dequantize reconstructs full precision weights from integer codes by
// replicating each group's scale (and zero) across the group.
func (c Config) Dequantize(codes []int32, rows, cols int, p Params) (*tensor.Mat, error) {
	if len(codes) != rows*cols {
		return nil, fmt.Errorf("quant: %d codes for %dx%d weight", len(codes), rows, cols)
	}
	if p.Rows != rows || p.Groups <= 0 || cols%p.Groups != 0 {
		return nil, fmt.Errorf("quant: params %dx%d do not match %dx%d weight", p.Rows, p.Groups, rows, cols)
	}
	gl := cols / p.Groups
	out := tensor.NewMat(rows, cols)
	for r := 0; r < rows; r++ {
		row := out.Row(r)
		for j := range row {
			g := j / gl
			row[j] = (float32(codes[r*cols+j]) - p.Zero(r, g)) * p.Scale(r, g)
		}
	}
	if !out.AllFinite() {
		return nil, fmt.Errorf("%w in dequantized weights", ErrNonFinite)
	}
	return out, nil
}

func (c Config) run(w *tensor.Mat, emit func(r, j int, code int32, deq float32)) (Params, error) {
	if err := c.Validate(); err != nil {
		return Params{}, err
	}
	gl, err := c.GroupLen(w.C)
	if err != nil {
		return Params{}, err
	}
	if gl == 0 {
		return Params{}, fmt.Errorf("%w: empty rows", ErrGroupSize)
	}
	if !w.AllFinite() {
		return Params{}, fmt.Errorf("%w in input weights", ErrNonFinite)
	}
	groups := w.C / gl
	p := Params{Rows: w.R, Groups: groups, Scales: make([]float32, w.R*groups)}
	if c.ZeroPoint {
		p.Zeros = make([]float32, w.R*groups)
	}
	minInt, maxInt := c.IntRange()
	lo, hi := float64(minInt), float64(maxInt)

	for r := 0; r < w.R; r++ {
		row := w.Row(r)
		for g := 0; g < groups; g++ {
			seg := row[g*gl : (g+1)*gl]
			var scale, zero float64
			if c.ZeroPoint {
				maxv, minv := float64(seg[0]), float64(seg[0])
				for _, v := range seg[1:] {
					maxv = math.Max(maxv, float64(v))
					minv = math.Min(minv, float64(v))
				}
				scale = math.Max(maxv-minv, scaleEpsilon) / hi
				zero = clamp(-math.RoundToEven(minv/scale), lo, hi)
			} else {
				var maxAbs float64
				for _, v := range seg {
					maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
				}
				scale = math.Max(maxAbs, scaleEpsilon) / hi
			}
			if math.IsNaN(scale) || math.IsInf(scale, 0) {
				return Params{}, fmt.Errorf("%w scale at row %d group %d", ErrNonFinite, r, g)
			}
			p.Scales[r*groups+g] = float32(scale)
			if p.Zeros != nil {
				p.Zeros[r*groups+g] = float32(zero)
			}
			for k, v := range seg {
				q := clamp(math.RoundToEven(float64(v)/scale)+zero, lo, hi)
				emit(r, g*gl+k, int32(q), float32((q-zero)*scale))
			}
		}
	}
	return p, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
