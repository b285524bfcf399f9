package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// Format selects the packed kernel layout the final codes are written in.
type Format string

const (
	FormatGEMM     Format = "gemm"
	FormatGEMV     Format = "gemv"
	FormatGEMVFast Format = "gemv_fast"
	FormatMarlin   Format = "marlin"
)

var ErrUnknownFormat = errors.New("quant: unknown output format")

// Formats lists every supported layout.
var Formats = []Format{FormatGEMM, FormatGEMV, FormatGEMVFast, FormatMarlin}

// awqOrder is the nibble interleave used by the GEMM kernels when eight
// 4-bit codes share a word.
var awqOrder = []int{0, 2, 4, 6, 1, 3, 5, 7}

// ParseFormat resolves a format tag, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Check reports whether the format can hold codes produced under c.
func (f Format) Check(c Config) error {
	if _, err := ParseFormat(string(f)); err != nil {
		return err
	}
	if f == FormatMarlin {
		if c.ZeroPoint {
			return fmt.Errorf("quant: %s requires symmetric quantization (zero_point=false)", f)
		}
		if c.Bits != 4 {
			return fmt.Errorf("quant: %s requires 4-bit weights, got %d", f, c.Bits)
		}
	}
	return nil
}

// Packed is a quantized linear weight in one of the kernel layouts. Scales
// are stored as IEEE half precision bits.
type Packed struct {
	Format    Format
	Bits      int
	GroupSize int
	Rows      int // output channels
	Cols      int // input channels

	QWeight      []int32
	QWeightShape [2]int
	QZeros       []int32
	QZerosShape  [2]int
	Scales       []uint16
	ScalesShape  [2]int
}

// Pack writes codes (row-major [rows x cols]) and their group params into
// the layout selected by f.
func (f Format) Pack(c Config, codes []int32, rows, cols int, p Params) (*Packed, error) {
	if err := f.Check(c); err != nil {
		return nil, err
	}
	if len(codes) != rows*cols {
		return nil, fmt.Errorf("quant: %d codes for %dx%d weight", len(codes), rows, cols)
	}
	if p.Rows != rows || p.Groups <= 0 {
		return nil, fmt.Errorf("quant: params do not match %dx%d weight", rows, cols)
	}
	pk := &Packed{
		Format:    f,
		Bits:      c.Bits,
		GroupSize: cols / p.Groups,
		Rows:      rows,
		Cols:      cols,
	}
	perWord := 32 / c.Bits
	code := func(o, i int) uint32 { return uint32(codes[o*cols+i]) }
	zero := func(o, g int) uint32 { return uint32(p.Zero(o, g)) }

	switch f {
	case FormatGEMM:
		order := interleave(perWord)
		pk.QWeight, pk.QWeightShape = packWords(cols, rows, perWord, c.Bits, order, func(i, o int) uint32 { return code(o, i) })
		pk.Scales, pk.ScalesShape = halfScales(p, true)
		if c.ZeroPoint {
			pk.QZeros, pk.QZerosShape = packWords(p.Groups, rows, perWord, c.Bits, order, func(g, o int) uint32 { return zero(o, g) })
		}
	case FormatGEMV:
		pk.QWeight, pk.QWeightShape = packWords(rows, cols, perWord, c.Bits, nil, code)
		pk.Scales, pk.ScalesShape = halfScales(p, false)
		if c.ZeroPoint {
			pk.QZeros, pk.QZerosShape = packWords(rows, p.Groups, perWord, c.Bits, nil, zero)
		}
	case FormatGEMVFast:
		order := interleave(perWord)
		pk.QWeight, pk.QWeightShape = packWords(rows, cols, perWord, c.Bits, order, code)
		pk.Scales, pk.ScalesShape = halfScales(p, false)
		if c.ZeroPoint {
			pk.QZeros, pk.QZerosShape = packWords(rows, p.Groups, perWord, c.Bits, order, zero)
		}
	case FormatMarlin:
		off := uint32(1) << (c.Bits - 1)
		pk.QWeight, pk.QWeightShape = packWords(cols, rows, perWord, c.Bits, nil, func(i, o int) uint32 { return code(o, i) + off })
		pk.Scales, pk.ScalesShape = halfScales(p, true)
	}
	return pk, nil
}

// Unpack recovers the integer codes and group params. Scales come back at
// half precision.
func (pk *Packed) Unpack() ([]int32, Params, error) {
	if pk.Bits < 2 || pk.Bits > 8 || pk.GroupSize <= 0 || pk.Cols%pk.GroupSize != 0 {
		return nil, Params{}, fmt.Errorf("quant: malformed packed weight (bits=%d group=%d)", pk.Bits, pk.GroupSize)
	}
	rows, cols := pk.Rows, pk.Cols
	groups := cols / pk.GroupSize
	perWord := 32 / pk.Bits
	codes := make([]int32, rows*cols)
	p := Params{Rows: rows, Groups: groups, Scales: make([]float32, rows*groups)}
	if pk.QZeros != nil {
		p.Zeros = make([]float32, rows*groups)
	}

	// Symmetric codes are stored two's complement in their low bits.
	decode := func(v uint32) int32 {
		if p.Zeros != nil {
			return int32(v)
		}
		shift := 32 - pk.Bits
		return int32(v<<shift) >> shift
	}

	switch pk.Format {
	case FormatGEMM:
		order := interleave(perWord)
		unpackWords(pk.QWeight, cols, rows, perWord, pk.Bits, order, func(i, o int, v uint32) { codes[o*cols+i] = decode(v) })
		if p.Zeros != nil {
			unpackWords(pk.QZeros, groups, rows, perWord, pk.Bits, order, func(g, o int, v uint32) { p.Zeros[o*groups+g] = float32(v) })
		}
		readHalfScales(pk.Scales, p, true)
	case FormatGEMV, FormatGEMVFast:
		var order []int
		if pk.Format == FormatGEMVFast {
			order = interleave(perWord)
		}
		unpackWords(pk.QWeight, rows, cols, perWord, pk.Bits, order, func(o, i int, v uint32) { codes[o*cols+i] = decode(v) })
		if p.Zeros != nil {
			unpackWords(pk.QZeros, rows, groups, perWord, pk.Bits, order, func(o, g int, v uint32) { p.Zeros[o*groups+g] = float32(v) })
		}
		readHalfScales(pk.Scales, p, false)
	case FormatMarlin:
		off := int32(1) << (pk.Bits - 1)
		unpackWords(pk.QWeight, cols, rows, perWord, pk.Bits, nil, func(i, o int, v uint32) { codes[o*cols+i] = int32(v) - off })
		readHalfScales(pk.Scales, p, true)
	default:
		return nil, Params{}, fmt.Errorf("%w: %q", ErrUnknownFormat, pk.Format)
	}
	return codes, p, nil
}

// interleave returns the AWQ nibble order when eight codes share a word;
// other widths pack sequentially.
func interleave(perWord int) []int {
	if perWord == len(awqOrder) {
		return awqOrder
	}
	return nil
}

// packWords packs an [major x minor] grid of codes along the minor axis,
// perWord codes per int32. Slot s of a word holds minor index order[s].
func packWords(major, minor, perWord, bits int, order []int, get func(maj, mnr int) uint32) ([]int32, [2]int) {
	words := (minor + perWord - 1) / perWord
	out := make([]int32, major*words)
	mask := uint32(1)<<bits - 1
	for a := 0; a < major; a++ {
		for w := 0; w < words; w++ {
			var word uint32
			for s := 0; s < perWord; s++ {
				idx := s
				if order != nil {
					idx = order[s]
				}
				m := w*perWord + idx
				if m >= minor {
					continue
				}
				word |= (get(a, m) & mask) << (s * bits)
			}
			out[a*words+w] = int32(word)
		}
	}
	return out, [2]int{major, words}
}

func unpackWords(src []int32, major, minor, perWord, bits int, order []int, set func(maj, mnr int, v uint32)) {
	words := (minor + perWord - 1) / perWord
	mask := uint32(1)<<bits - 1
	for a := 0; a < major; a++ {
		for w := 0; w < words; w++ {
			word := uint32(src[a*words+w])
			for s := 0; s < perWord; s++ {
				idx := s
				if order != nil {
					idx = order[s]
				}
				m := w*perWord + idx
				if m >= minor {
					continue
				}
				set(a, m, (word>>(s*bits))&mask)
			}
		}
	}
}

// halfScales converts group scales to fp16, optionally transposed to
// [Groups x Rows].
func halfScales(p Params, transpose bool) ([]uint16, [2]int) {
	out := make([]uint16, len(p.Scales))
	for r := 0; r < p.Rows; r++ {
		for g := 0; g < p.Groups; g++ {
			h := float16.Fromfloat32(p.Scale(r, g)).Bits()
			if transpose {
				out[g*p.Rows+r] = h
			} else {
				out[r*p.Groups+g] = h
			}
		}
	}
	if transpose {
		return out, [2]int{p.Groups, p.Rows}
	}
	return out, [2]int{p.Rows, p.Groups}
}

func readHalfScales(src []uint16, p Params, transposed bool) {
	for r := 0; r < p.Rows; r++ {
		for g := 0; g < p.Groups; g++ {
			idx := r*p.Groups + g
			if transposed {
				idx = g*p.Rows + r
			}
			p.Scales[r*p.Groups+g] = float16.Frombits(src[idx]).Float32()
		}
	}
}
