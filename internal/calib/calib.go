// Package calib builds the calibration batch: tokenized samples drawn from a
// text corpus and shaped into fixed-length sequences.
package calib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/awq/internal/tensor"
)

var ErrNoSamples = errors.New("calib: no usable calibration samples")

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string) ([]int, error)
}

// Batch is an immutable set of token sequences of equal length. Mask is nil
// when every position holds a real token; otherwise it is [samples x SeqLen]
// with 1 for tokens and 0 for padding.
type Batch struct {
	IDs    [][]int
	SeqLen int
	Mask   *tensor.Mat
}

// Samples returns the number of sequences.
func (b *Batch) Samples() int { return len(b.IDs) }

// Tokens returns Samples()*SeqLen.
func (b *Batch) Tokens() int { return len(b.IDs) * b.SeqLen }

// Options bounds the batch.
type Options struct {
	Samples int    // keep at most this many corpus samples
	SeqLen  int    // sequence length; longer samples are skipped
	Field   string // JSON field holding the text in JSONL corpora, default "text"
}

// ReadTexts returns one sample per non-empty line of r. Lines that are JSON
// objects contribute their text field; anything else is taken verbatim.
func ReadTexts(r io.Reader, field string) ([]string, error) {
	if field == "" {
		field = "text"
	}
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err == nil {
				s, ok := obj[field].(string)
				if !ok {
					return nil, fmt.Errorf("calib: sample %d has no string field %q", len(out), field)
				}
				line = strings.TrimSpace(s)
			}
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// ReadFile reads samples from a corpus file.
func ReadFile(path, field string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadTexts(f, field)
}

// encodeSamples tokenizes texts in order, skipping empty encodings and
// encodings longer than seqLen, and stops once n samples were kept.
func encodeSamples(enc Encoder, texts []string, opt Options) ([][]int, error) {
	if opt.Samples <= 0 || opt.SeqLen <= 0 {
		return nil, fmt.Errorf("calib: samples (%d) and seq len (%d) must be positive", opt.Samples, opt.SeqLen)
	}
	var kept [][]int
	for _, text := range texts {
		ids, err := enc.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("calib: encode sample: %w", err)
		}
		if len(ids) == 0 || len(ids) > opt.SeqLen {
			continue
		}
		kept = append(kept, ids)
		if len(kept) == opt.Samples {
			break
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoSamples
	}
	return kept, nil
}

// Concatenated joins the kept samples into one token stream and cuts it into
// SeqLen blocks, dropping the remainder. This is the decoder batch shape.
func Concatenated(enc Encoder, texts []string, opt Options) (*Batch, error) {
	kept, err := encodeSamples(enc, texts, opt)
	if err != nil {
		return nil, err
	}
	var stream []int
	for _, ids := range kept {
		stream = append(stream, ids...)
	}
	n := len(stream) / opt.SeqLen
	if n == 0 {
		return nil, fmt.Errorf("%w: %d tokens is less than one block of %d", ErrNoSamples, len(stream), opt.SeqLen)
	}
	b := &Batch{SeqLen: opt.SeqLen, IDs: make([][]int, n)}
	for i := range b.IDs {
		b.IDs[i] = stream[i*opt.SeqLen : (i+1)*opt.SeqLen]
	}
	return b, nil
}

// Padded keeps every sample as its own sequence, right-padded with padID to
// the longest kept sample, and records the padding in Mask. This is the
// encoder batch shape.
func Padded(enc Encoder, texts []string, opt Options, padID int) (*Batch, error) {
	if padID < 0 {
		return nil, fmt.Errorf("calib: padded batches need a pad token")
	}
	kept, err := encodeSamples(enc, texts, opt)
	if err != nil {
		return nil, err
	}
	seq := 0
	for _, ids := range kept {
		seq = max(seq, len(ids))
	}
	b := &Batch{SeqLen: seq, IDs: make([][]int, len(kept)), Mask: tensor.NewMat(len(kept), seq)}
	for i, ids := range kept {
		row := make([]int, seq)
		copy(row, ids)
		m := b.Mask.Row(i)
		for j := range row {
			if j < len(ids) {
				m[j] = 1
			} else {
				row[j] = padID
			}
		}
		b.IDs[i] = row
	}
	return b, nil
}
