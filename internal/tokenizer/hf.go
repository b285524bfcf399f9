package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

type hfTokenizerJSON struct {
	Model struct {
		Type         string          `json:"type"`
		Vocab        json.RawMessage `json:"vocab"`
		Merges       []any           `json:"merges"`
		IgnoreMerges bool            `json:"ignore_merges"`
		UnkToken     string          `json:"unk_token"`
		UnkID        *int            `json:"unk_id"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer  `json:"pre_tokenizer"`
	PostProcessor hfPostProcessor `json:"post_processor"`
	AddedTokens   []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Replacement   string `json:"replacement"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
		Replacement string `json:"replacement"`
	} `json:"pretokenizers"`
}

type specialIDs map[string]struct {
	IDs []int `json:"ids"`
}

type hfPostProcessor struct {
	Type string `json:"type"`
	// RobertaProcessing and BertProcessing carry [token, id] pairs.
	Cls           []any      `json:"cls"`
	Sep           []any      `json:"sep"`
	SpecialTokens specialIDs `json:"special_tokens"`
	Processors    []struct {
		Type          string     `json:"type"`
		SpecialTokens specialIDs `json:"special_tokens"`
	} `json:"processors"`
}

type hfTokenizerConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
	PAD    string `json:"pad_token"`
}

// specials holds the framing and padding ids shared by every model type.
type specials struct {
	addBOS bool
	addEOS bool
	bosID  int
	eosID  int
	unkID  int
	padID  int
}

func (s specials) frame(ids []int) []int {
	if s.addBOS && s.bosID >= 0 {
		ids = append([]int{s.bosID}, ids...)
	}
	if s.addEOS && s.eosID >= 0 {
		ids = append(ids, s.eosID)
	}
	return ids
}

// Load reads tokenizer.json (and tokenizer_config.json when present) from a
// model directory.
func Load(dir string) (Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	cfg, _ := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	return LoadBytes(data, cfg)
}

// LoadBytes builds a tokenizer from in-memory tokenizer.json and optional
// tokenizer_config.json contents.
func LoadBytes(tokJSON, tokConfig []byte) (Tokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		_ = json.Unmarshal(tokConfig, &cfg)
	}
	switch strings.ToUpper(tj.Model.Type) {
	case "BPE":
		return newBPE(&tj, cfg)
	case "UNIGRAM":
		return newUnigram(&tj, cfg)
	}
	return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
}

// resolveSpecials works out BOS/EOS/PAD ids from the config and the post
// processor, which takes precedence.
func resolveSpecials(tj *hfTokenizerJSON, cfg hfTokenizerConfig, lookup func(string) (int, bool)) specials {
	s := specials{addBOS: cfg.AddBOS, addEOS: cfg.AddEOS, bosID: -1, eosID: -1, unkID: -1, padID: -1}
	if id, ok := lookup(cfg.BOS); ok {
		s.bosID = id
	}
	if id, ok := lookup(cfg.EOS); ok {
		s.eosID = id
	}
	if id, ok := lookup(cfg.PAD); ok {
		s.padID = id
	} else if id, ok := lookup("<pad>"); ok {
		s.padID = id
	}

	pp := tj.PostProcessor
	switch pp.Type {
	case "RobertaProcessing", "BertProcessing":
		if id, ok := pairID(pp.Cls); ok {
			s.bosID, s.addBOS = id, true
		}
		if id, ok := pairID(pp.Sep); ok {
			s.eosID, s.addEOS = id, true
		}
	case "TemplateProcessing":
		if id, ok := firstID(pp.SpecialTokens); ok {
			s.bosID, s.addBOS = id, true
		}
	}
	// If TemplateProcessing defines a BOS token, use it.
	for _, proc := range pp.Processors {
		if proc.Type == "TemplateProcessing" {
			if id, ok := firstID(proc.SpecialTokens); ok {
				s.bosID, s.addBOS = id, true
			}
		}
	}
	return s
}

func pairID(pair []any) (int, bool) {
	if len(pair) != 2 {
		return 0, false
	}
	f, ok := pair[1].(float64)
	return int(f), ok
}

func firstID(sp specialIDs) (int, bool) {
	for _, spec := range sp {
		if len(spec.IDs) > 0 {
			return spec.IDs[0], true
		}
	}
	return 0, false
}

type HFTokenizer struct {
	specials

	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	ignoreMerges bool
	special      []string
}

func newBPE(tj *hfTokenizerJSON, cfg hfTokenizerConfig) (*HFTokenizer, error) {
	var vocab map[string]int
	if err := json.Unmarshal(tj.Model.Vocab, &vocab); err != nil {
		return nil, fmt.Errorf("parse bpe vocab: %w", err)
	}
	encoder := make(map[string]int, len(vocab))
	maxID := -1
	for tok, id := range vocab {
		encoder[tok] = id
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		if at.ID > maxID {
			maxID = at.ID
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	bpeRanks := make(map[Pair]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		line := ""
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := Pair{A: parts[0], B: parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	lookup := func(s string) (int, bool) {
		if s == "" {
			return 0, false
		}
		id, ok := encoder[s]
		return id, ok
	}
	sp := resolveSpecials(tj, cfg, lookup)
	if id, ok := lookup(tj.Model.UnkToken); ok {
		sp.unkID = id
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	return &HFTokenizer{
		specials:     sp,
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      buildHFPattern(tj.PreTokenizer),
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      collectSpecials(decoder),
	}, nil
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, token := range t.pattern.FindAllString(part.text, -1) {
			for _, bpeTok := range t.bpe(t.byteEncode(token)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	return t.frame(ids), nil
}

func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) PadID() int { return t.padID }

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok {
				if rank < bestRank {
					bestRank = rank
					bestPair = p
					found = true
				}
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}

func buildHFPattern(pre hfPreTokenizer) *regexp.Regexp {
	// Default to GPT2-ish regex.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// Llama3-style patterns use lookahead, which RE2 lacks; substitute the llama.cpp variant.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}
