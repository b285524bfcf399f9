package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw writes a safetensors file with an arbitrary header and data
// section, for exercising malformed inputs.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	_, _ = f.Write(lenBuf[:])
	_, _ = f.Write(headerBytes)
	_, _ = f.Write(data)
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	w := NewWriter()
	w.SetMetadata("format", "pt")
	if err := w.AddF32("weight", []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddF16("scales", []int{2}, []float32{0.5, -1.25}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddI32("qweight", []int{1, 2}, []int32{-1, 0x75316420}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddF32("weight", []int{1}, []float32{0}); err == nil {
		t.Fatal("duplicate tensor accepted")
	}
	if err := w.AddF32("short", []int{3}, []float32{0}); err == nil {
		t.Fatal("shape/data mismatch accepted")
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data section starts at %d, not 8-byte aligned", f.DataStart)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
	if got := f.Names(); len(got) != 3 || got[0] != "qweight" {
		t.Fatalf("names = %v", got)
	}

	m, err := f.ReadMat("weight")
	if err != nil {
		t.Fatal(err)
	}
	if m.R != 2 || m.C != 3 || m.Data[5] != 6 {
		t.Fatalf("weight = %+v", m)
	}
	s, info, err := f.ReadTensorF32("scales")
	if err != nil {
		t.Fatal(err)
	}
	if info.DType != "F16" || s[0] != 0.5 || s[1] != -1.25 {
		t.Fatalf("scales = %v (%s)", s, info.DType)
	}
	bits, _, err := f.ReadTensorF16Bits("scales")
	if err != nil || bits[0] != 0x3800 {
		t.Fatalf("scale bits = %#x, %v", bits, err)
	}
	q, _, err := f.ReadTensorI32("qweight")
	if err != nil {
		t.Fatal(err)
	}
	if q[0] != -1 || q[1] != 0x75316420 {
		t.Fatalf("qweight = %#x", q)
	}
	if _, _, err := f.ReadTensorI32("weight"); err == nil {
		t.Fatal("ReadTensorI32 accepted an F32 tensor")
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	truncated := filepath.Join(dir, "truncated.safetensors")
	_ = os.WriteFile(truncated, []byte{1, 2, 3}, 0o644)
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated file")
	}

	badJSON := filepath.Join(dir, "bad.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 5)
	_ = os.WriteFile(badJSON, append(lenBuf[:], []byte("{oops")...), 0o644)
	if _, err := Open(badJSON); err == nil {
		t.Fatal("expected error for invalid header JSON")
	}

	badOffsets := filepath.Join(dir, "offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, make([]byte, 4))
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for single data offset")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "errs.safetensors")
	writeRaw(t, path, map[string]any{
		"inverted": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{8, 0}},
		"short":    map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 8}},
		"ints":     map[string]any{"dtype": "I64", "shape": []int{1}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 8))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensor("nope"); err == nil {
		t.Fatal("expected error for unknown tensor")
	}
	if _, _, err := f.ReadTensor("inverted"); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
	if _, _, err := f.ReadTensorF32("short"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
	if _, _, err := f.ReadTensorF32("ints"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bf16.safetensors")
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80)
	binary.LittleEndian.PutUint16(data[2:], 0xC040)
	writeRaw(t, path, map[string]any{
		"w": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
	}, data)
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := f.ReadTensorF32("w")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[1] != -3 {
		t.Fatalf("bf16 = %v, want [1 -3]", got)
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{2, -1}, 0, true},
	}
	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil || n != tc.expected {
			t.Errorf("numElements(%v) = %d, %v; want %d", tc.shape, n, err, tc.expected)
		}
	}
}

func TestOpenDirIndexesShards(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for i, name := range []string{"a", "b"} {
		w := NewWriter()
		if err := w.AddF32(name, []int{1}, []float32{float32(i + 1)}); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteFile(filepath.Join(dir, "model-0000"+string(rune('1'+i))+".safetensors")); err != nil {
			t.Fatal(err)
		}
	}
	d, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	if len(d.Files) != 2 || !d.Has("a") || !d.Has("b") || d.Has("c") {
		t.Fatalf("index = %v", d.Names())
	}
	m, err := d.ReadMat("b")
	if err != nil || m.Data[0] != 2 {
		t.Fatalf("b = %v, %v", m, err)
	}

	w := NewWriter()
	_ = w.AddF32("a", []int{1}, []float32{math.Pi})
	_ = w.WriteFile(filepath.Join(dir, "model-00003.safetensors"))
	if _, err := OpenDir(dir); err == nil {
		t.Fatal("duplicate tensor across shards accepted")
	}
	if _, err := OpenDir(t.TempDir()); err == nil {
		t.Fatal("empty directory accepted")
	}
}
