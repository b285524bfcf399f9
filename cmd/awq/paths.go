package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envAWQOutDir = "AWQ_OUT_DIR"

// resolveOutDir picks the output checkpoint directory. Without --out the
// checkpoint goes to $AWQ_OUT_DIR (or ./out) as <input>-awq.
func resolveOutDir(inDir, outFlag string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		return filepath.Clean(outFlag), nil
	}

	base := filepath.Base(filepath.Clean(inDir))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid input directory: %q", inDir)
	}

	outDir := strings.TrimSpace(os.Getenv(envAWQOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	return filepath.Join(outDir, base+"-awq"), nil
}

// checkOutDir refuses to overwrite the input checkpoint or a non-empty
// directory unless force is set.
func checkOutDir(inDir, outDir string, force bool) error {
	in, err := filepath.Abs(inDir)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(outDir)
	if err != nil {
		return err
	}
	if in == out {
		return fmt.Errorf("output directory %q is the input checkpoint", outDir)
	}
	entries, err := os.ReadDir(out)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 && !force {
		return fmt.Errorf("output directory %q is not empty (use --force)", outDir)
	}
	return nil
}
