package repository

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/vcin"
)

const (
	ProcessorRaw         = "raw"
	ProcessorGzip        = "gzip"
	ProcessorSplited     = "splited"
	ProcessorSplitedGzip = "splited_gzip"
)

type processor func(dir string, f vcin.File) error

var processors = map[string]processor{
	ProcessorRaw:         func(string, vcin.File) error { return nil },
	ProcessorGzip:        processGzip,
	ProcessorSplited:     processSplited,
	ProcessorSplitedGzip: processSplitedGzip,
}

// Process turns the downloaded parts of f, relative to dir, into the final
// image. Parts are removed once consumed.
func Process(dir string, f vcin.File) error {
	p, ok := processors[typeOf(f)]
	if !ok {
		return errdefs.Configf("unknown file type %q for %s", f.Type, f.Filename)
	}

	if err := p(dir, f); err != nil {
		return fmt.Errorf("failed to process %s: %w", f.Filename, err)
	}

	return nil
}

func typeOf(f vcin.File) string {
	if f.Type == "" {
		return ProcessorRaw
	}
	return f.Type
}

// outputs lists the files f produces.
func outputs(f vcin.File) []string {
	switch typeOf(f) {
	case ProcessorGzip:
		out := make([]string, 0, len(f.Parts))
		for _, part := range f.Parts {
			name, _ := trimGz(part)
			out = append(out, name)
		}
		return out
	case ProcessorSplited, ProcessorSplitedGzip:
		return []string{f.Filename}
	}
	return f.Parts
}

func processed(dir string, f vcin.File) bool {
	out := outputs(f)
	if len(out) == 0 {
		return false
	}

	for _, name := range out {
		if name == "" || !exists(filepath.Join(dir, name)) {
			return false
		}
	}
	return true
}

func processGzip(dir string, f vcin.File) error {
	for _, part := range f.Parts {
		name, ok := trimGz(part)
		if !ok {
			return fmt.Errorf("%s has no .gz suffix", part)
		}

		src := filepath.Join(dir, part)
		if err := writeFrom(filepath.Join(dir, name), []string{src}, true); err != nil {
			return err
		}

		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to remove %s: %w", part, err)
		}
	}
	return nil
}

func processSplited(dir string, f vcin.File) error {
	return joinParts(dir, f, false)
}

func processSplitedGzip(dir string, f vcin.File) error {
	return joinParts(dir, f, true)
}

func joinParts(dir string, f vcin.File, gunzip bool) error {
	if f.Filename == "" {
		return fmt.Errorf("%s file has no filename", f.Type)
	}

	parts := make([]string, 0, len(f.Parts))
	for _, part := range f.Parts {
		parts = append(parts, filepath.Join(dir, part))
	}

	if err := writeFrom(filepath.Join(dir, f.Filename), parts, gunzip); err != nil {
		return err
	}

	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			return fmt.Errorf("failed to remove part: %w", err)
		}
	}

	return nil
}

// writeFrom concatenates srcs into dst, decompressing the stream when
// gunzip is set. dst only appears once complete.
func writeFrom(dst string, srcs []string, gunzip bool) error {
	readers := make([]io.Reader, 0, len(srcs))
	for _, src := range srcs {
		file, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("failed to open part: %w", err)
		}
		defer func() { _ = file.Close() }()
		readers = append(readers, file)
	}

	var in io.Reader = io.MultiReader(readers...)
	if gunzip {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to read gzip stream: %w", err)
		}
		defer func() { _ = zr.Close() }()
		in = zr
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(dst), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	return os.Rename(tmp.Name(), dst)
}

func trimGz(name string) (string, bool) {
	return strings.CutSuffix(name, ".gz")
}
