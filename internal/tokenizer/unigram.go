package tokenizer

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const metaspace = "▁"

// unkPenalty is subtracted from the lowest piece score for characters no
// piece covers.
const unkPenalty = 10

// Unigram is a SentencePiece unigram tokenizer: text is split on spaces,
// each word is prefixed with the metaspace marker, and the highest scoring
// segmentation into vocabulary pieces is chosen by Viterbi search.
type Unigram struct {
	specials

	pieces   map[string]int
	scores   []float64
	decoder  []string
	maxRunes int
	minScore float64
	space    string
	special  []string
}

func newUnigram(tj *hfTokenizerJSON, cfg hfTokenizerConfig) (*Unigram, error) {
	var vocab [][2]any
	if err := json.Unmarshal(tj.Model.Vocab, &vocab); err != nil {
		return nil, fmt.Errorf("parse unigram vocab: %w", err)
	}
	u := &Unigram{
		pieces:   make(map[string]int, len(vocab)),
		scores:   make([]float64, len(vocab)),
		decoder:  make([]string, len(vocab)),
		minScore: math.Inf(1),
		space:    metaspace,
	}
	for id, entry := range vocab {
		piece, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("unigram vocab entry %d: piece is not a string", id)
		}
		score, _ := entry[1].(float64)
		u.pieces[piece] = id
		u.scores[id] = score
		u.decoder[id] = piece
		u.minScore = math.Min(u.minScore, score)
		u.maxRunes = max(u.maxRunes, utf8.RuneCountInString(piece))
	}
	for _, at := range tj.AddedTokens {
		if at.ID < len(u.decoder) && at.Special {
			u.special = append(u.special, at.Content)
		}
	}
	if r := replacement(tj.PreTokenizer); r != "" {
		u.space = r
	}
	lookup := func(s string) (int, bool) {
		if s == "" {
			return 0, false
		}
		id, ok := u.pieces[s]
		return id, ok
	}
	u.specials = resolveSpecials(tj, cfg, lookup)
	if tj.Model.UnkID != nil {
		u.unkID = *tj.Model.UnkID
	}
	return u, nil
}

func replacement(pre hfPreTokenizer) string {
	if pre.Type == "Metaspace" {
		return pre.Replacement
	}
	for _, p := range pre.Pretokenizers {
		if p.Type == "Metaspace" {
			return p.Replacement
		}
	}
	return ""
}

func (u *Unigram) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitLiteral(text, u.special) {
		if part.isSpecial {
			ids = append(ids, u.pieces[part.text])
			continue
		}
		for _, word := range strings.Fields(part.text) {
			seg, err := u.segment(u.space + word)
			if err != nil {
				return nil, err
			}
			ids = append(ids, seg...)
		}
	}
	return u.frame(ids), nil
}

// segment runs Viterbi over the runes of word.
func (u *Unigram) segment(word string) ([]int, error) {
	runes := []rune(word)
	n := len(runes)
	best := make([]float64, n+1)
	from := make([]int, n+1)
	piece := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
	}
	for end := 1; end <= n; end++ {
		for start := max(0, end-u.maxRunes); start < end; start++ {
			if math.IsInf(best[start], -1) {
				continue
			}
			id, ok := u.pieces[string(runes[start:end])]
			if !ok {
				continue
			}
			if s := best[start] + u.scores[id]; s > best[end] {
				best[end], from[end], piece[end] = s, start, id
			}
		}
		// A single uncovered character falls back to unk.
		if math.IsInf(best[end], -1) && !math.IsInf(best[end-1], -1) {
			if u.unkID < 0 {
				return nil, fmt.Errorf("no piece covers %q and no unk token", string(runes[end-1]))
			}
			best[end], from[end], piece[end] = best[end-1]+u.minScore-unkPenalty, end-1, u.unkID
		}
	}
	var out []int
	for i := n; i > 0; i = from[i] {
		out = append(out, piece[i])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	// Merge runs of unk the way SentencePiece does.
	merged := out[:0]
	for i, id := range out {
		if id == u.unkID && i > 0 && out[i-1] == u.unkID {
			continue
		}
		merged = append(merged, id)
	}
	return merged, nil
}

func (u *Unigram) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(u.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if id == u.bosID || id == u.eosID || id == u.padID {
			continue
		}
		b.WriteString(u.decoder[id])
	}
	return strings.TrimPrefix(strings.ReplaceAll(b.String(), u.space, " "), " "), nil
}

func (u *Unigram) PadID() int { return u.padID }

// splitLiteral splits text around exact occurrences of the given special
// strings, longest first.
func splitLiteral(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if len(sp) > len(match) && strings.HasPrefix(text[i:], sp) {
				match = sp
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}
