package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Writer accumulates tensors in memory and serialises them as one file.
// Tensors are laid out in the order they were added.
type Writer struct {
	entries []entry
	names   map[string]bool
	meta    map[string]string
}

type entry struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

func NewWriter() *Writer {
	return &Writer{names: make(map[string]bool)}
}

// SetMetadata records a free-form string in the __metadata__ header entry.
func (w *Writer) SetMetadata(key, value string) {
	if w.meta == nil {
		w.meta = make(map[string]string)
	}
	w.meta[key] = value
}

func (w *Writer) add(name, dtype string, shape []int, count, width int, put func(buf []byte)) error {
	if w.names[name] {
		return fmt.Errorf("safetensors: duplicate tensor %s", name)
	}
	n, err := numElements(shape)
	if err != nil {
		return fmt.Errorf("safetensors: tensor %s: %w", name, err)
	}
	if n != count {
		return fmt.Errorf("safetensors: tensor %s has %d values for shape %v", name, count, shape)
	}
	buf := make([]byte, n*width)
	put(buf)
	w.names[name] = true
	w.entries = append(w.entries, entry{name: name, dtype: dtype, shape: append([]int(nil), shape...), data: buf})
	return nil
}

func (w *Writer) AddF32(name string, shape []int, data []float32) error {
	return w.add(name, "F32", shape, len(data), 4, func(buf []byte) {
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	})
}

// AddF16 converts data to half precision.
func (w *Writer) AddF16(name string, shape []int, data []float32) error {
	return w.add(name, "F16", shape, len(data), 2, func(buf []byte) {
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	})
}

// AddF16Bits stores values that are already half precision bits.
func (w *Writer) AddF16Bits(name string, shape []int, bits []uint16) error {
	return w.add(name, "F16", shape, len(bits), 2, func(buf []byte) {
		for i, v := range bits {
			binary.LittleEndian.PutUint16(buf[i*2:], v)
		}
	})
}

func (w *Writer) AddI32(name string, shape []int, data []int32) error {
	return w.add(name, "I32", shape, len(data), 4, func(buf []byte) {
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
		}
	})
}

// AddRaw stores already encoded bytes under dtype, for tensors copied
// through unchanged.
func (w *Writer) AddRaw(name, dtype string, shape []int, data []byte) error {
	width, ok := dtypeWidth[dtype]
	if !ok {
		return fmt.Errorf("safetensors: tensor %s: unsupported dtype %s", name, dtype)
	}
	if len(data)%width != 0 {
		return fmt.Errorf("safetensors: tensor %s: %d bytes is not a multiple of %s", name, len(data), dtype)
	}
	return w.add(name, dtype, shape, len(data)/width, width, func(buf []byte) { copy(buf, data) })
}

// Len returns the number of tensors added so far.
func (w *Writer) Len() int { return len(w.entries) }

func (w *Writer) header() ([]byte, error) {
	h := make(map[string]any, len(w.entries)+1)
	if len(w.meta) > 0 {
		h["__metadata__"] = w.meta
	}
	var off int64
	for _, e := range w.entries {
		end := off + int64(len(e.data))
		h[e.name] = tensorHeader{DType: e.dtype, Shape: e.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	// Pad so the data section starts 8-byte aligned.
	if pad := (8 - len(b)%8) % 8; pad > 0 {
		b = append(b, bytes.Repeat([]byte{' '}, pad)...)
	}
	return b, nil
}

// WriteTo serialises every tensor to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	h, err := w.header()
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(out)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(h)))
	total := int64(0)
	for _, chunk := range [][]byte{lenBuf[:], h} {
		n, err := bw.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, e := range w.entries {
		n, err := bw.Write(e.data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// WriteFile writes the file through a temporary sibling and renames it into
// place, so a failed write never leaves a truncated file at path.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.safetensors")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
