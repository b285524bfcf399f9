// Package safetensors reads and writes the safetensors container: an 8 byte
// little-endian header length, a JSON header mapping tensor names to dtype,
// shape and byte offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/awq/internal/tensor"
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("safetensors %s: header length %d too large", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(msg, &meta)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	n := t.End - t.Start
	buf := make([]byte, n)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	off := f.DataStart + t.Start
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, info, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("unsupported dtype %s", info.DType)
	}
}

// ReadMat reads a 1-D or 2-D float tensor as a matrix. Vectors come back as
// a single row.
func (f *File) ReadMat(name string) (*tensor.Mat, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	switch len(info.Shape) {
	case 1:
		return tensor.NewMatFromData(1, info.Shape[0], data), nil
	case 2:
		return tensor.NewMatFromData(info.Shape[0], info.Shape[1], data), nil
	}
	return nil, fmt.Errorf("tensor %s: expected 1-D or 2-D, got shape %v", name, info.Shape)
}

// ReadTensorI32 reads an I32 tensor, the dtype of packed quantized codes.
func (f *File) ReadTensorI32(name string) ([]int32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != "I32" {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: dtype %s, want I32", name, info.DType)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*4 {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid i32 data size", name)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, info, nil
}

// ReadTensorF16Bits returns an F16 tensor as raw half precision bits.
func (f *File) ReadTensorF16Bits(name string) ([]uint16, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != "F16" {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: dtype %s, want F16", name, info.DType)
	}
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return out, info, nil
}

// Dir indexes every *.safetensors shard in a directory by tensor name.
type Dir struct {
	Files []*File
	index map[string]*File
}

// OpenDir opens every shard under dir.
func OpenDir(dir string) (*Dir, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files in %s", dir)
	}
	sort.Strings(paths)
	d := &Dir{index: make(map[string]*File)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		d.Files = append(d.Files, f)
		for name := range f.Tensors {
			if _, dup := d.index[name]; dup {
				return nil, fmt.Errorf("tensor %s present in more than one shard", name)
			}
			d.index[name] = f
		}
	}
	return d, nil
}

// Has reports whether any shard holds name.
func (d *Dir) Has(name string) bool {
	_, ok := d.index[name]
	return ok
}

// File returns the shard holding name.
func (d *Dir) File(name string) (*File, bool) {
	f, ok := d.index[name]
	return f, ok
}

// Names returns every tensor name across shards, sorted.
func (d *Dir) Names() []string {
	names := make([]string, 0, len(d.index))
	for n := range d.index {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadMat reads a float tensor from whichever shard holds it.
func (d *Dir) ReadMat(name string) (*tensor.Mat, error) {
	f, ok := d.index[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadMat(name)
}

// ReadRaw returns the encoded bytes of name from whichever shard holds it.
func (d *Dir) ReadRaw(name string) ([]byte, TensorInfo, error) {
	f, ok := d.index[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return f.ReadTensor(name)
}

var dtypeWidth = map[string]int{
	"BOOL": 1, "U8": 1, "I8": 1,
	"F16": 2, "BF16": 2, "I16": 2, "U16": 2,
	"F32": 4, "I32": 4, "U32": 4,
	"F64": 8, "I64": 8, "U64": 8,
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
