package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOutDir(t *testing.T) {
	t.Setenv(envAWQOutDir, "")
	got, err := resolveOutDir("/models/llama-7b/", "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("out", "llama-7b-awq"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	t.Setenv(envAWQOutDir, "/data/q")
	got, err = resolveOutDir("/models/llama-7b", "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/data/q", "llama-7b-awq"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	got, err = resolveOutDir("/models/llama-7b", " /tmp/x/ ")
	if err != nil || got != "/tmp/x" {
		t.Fatalf("explicit out: %q, %v", got, err)
	}

	if _, err := resolveOutDir("/", ""); err == nil {
		t.Fatal("expected error for root input")
	}
}

func TestCheckOutDir(t *testing.T) {
	t.Parallel()
	in := t.TempDir()
	if err := checkOutDir(in, in, true); err == nil {
		t.Fatal("expected error when output is the input")
	}
	out := filepath.Join(t.TempDir(), "fresh")
	if err := checkOutDir(in, out, false); err != nil {
		t.Fatalf("missing dir: %v", err)
	}
	busy := t.TempDir()
	if err := os.WriteFile(filepath.Join(busy, "model.safetensors"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := checkOutDir(in, busy, false); err == nil {
		t.Fatal("expected error for non-empty dir")
	}
	if err := checkOutDir(in, busy, true); err != nil {
		t.Fatalf("forced: %v", err)
	}
}
