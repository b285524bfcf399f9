// Package tokenizer encodes calibration text with a Hugging Face
// tokenizer.json (byte-level BPE or SentencePiece unigram models).
package tokenizer

// Tokenizer is the interface the calibration loader needs.
type Tokenizer interface {
	// Encode returns token ids, framed with BOS/EOS when the tokenizer's post
	// processor adds them.
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// PadID returns the padding id, or -1 when the vocabulary has none.
	PadID() int
}
