package tokenizer

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

const bpeJSON = `{
	"model":{
		"type":"BPE",
		"vocab":{"h":0,"e":1,"l":2,"o":3,"he":4,"ll":5,"hell":6,"<unk>":8},
		"merges":["h e","l l",["he","ll"]],
		"unk_token":"<unk>"
	},
	"added_tokens":[{"id":7,"content":"<|bos|>","special":true}],
	"post_processor":{
		"type":"Sequence",
		"processors":[
			{"type":"TemplateProcessing","special_tokens":{"<|bos|>":{"ids":[7]}}}
		]
	}
}`

func TestBPEEncodeDecode(t *testing.T) {
	t.Parallel()
	tok, err := LoadBytes([]byte(bpeJSON), nil)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{7, 6, 3}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	text, err := tok.Decode(ids[1:])
	if err != nil || text != "hello" {
		t.Fatalf("Decode = %q, %v", text, err)
	}
	if tok.PadID() != -1 {
		t.Fatalf("pad id = %d, want -1", tok.PadID())
	}
	// 'z' is not in the vocabulary and falls back to unk.
	ids, err = tok.Encode("oz")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{7, 3, 8}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

const unigramJSON = `{
	"model":{
		"type":"Unigram",
		"unk_id":3,
		"vocab":[["<s>",0],["<pad>",0],["</s>",0],["<unk>",0],
			["▁",-2],["▁hello",-1],["▁he",-1.5],["llo",-1.5],["▁world",-1],["w",-3],["o",-3]]
	},
	"pre_tokenizer":{"type":"Metaspace","replacement":"▁"},
	"post_processor":{"type":"RobertaProcessing","sep":["</s>",2],"cls":["<s>",0]}
}`

func TestUnigramViterbi(t *testing.T) {
	t.Parallel()
	tok, err := LoadBytes([]byte(unigramJSON), []byte(`{"pad_token":"<pad>"}`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	ids, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{0, 5, 8, 2}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if tok.PadID() != 1 {
		t.Fatalf("pad id = %d, want 1", tok.PadID())
	}
	text, err := tok.Decode(ids)
	if err != nil || text != "hello world" {
		t.Fatalf("Decode = %q, %v", text, err)
	}

	ids, err = tok.Encode("hi")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{0, 4, 3, 2}; !slices.Equal(ids, want) {
		t.Fatalf("unknown chars: ids = %v, want %v", ids, want)
	}
}

func TestLoadFromDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(unigramJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := tok.(*Unigram); !ok {
		t.Fatalf("got %T, want *Unigram", tok)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing tokenizer.json")
	}
}

func TestRejectsUnsupportedModel(t *testing.T) {
	t.Parallel()
	if _, err := LoadBytes([]byte(`{"model":{"type":"WordPiece","vocab":{}}}`), nil); err == nil {
		t.Fatal("expected unsupported tokenizer model error")
	}
}
