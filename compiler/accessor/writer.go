package accessor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dave/jennifer/jen"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/imports"
)

func renderFile(f *jen.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFiles formats and writes the rendered sources in parallel. The
// imports pass groups and prunes import blocks the same way goimports
// does, so generated files survive a format check.
func writeFiles(ctx context.Context, outDir string, files map[string][]byte, workers int) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("accessor: create output directory: %w", err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for name, src := range files {
		name, src := name, src
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			target := filepath.Join(outDir, name)
			formatted, err := imports.Process(target, src, nil)
			if err != nil {
				return fmt.Errorf("accessor: format %s: %w", name, err)
			}
			return os.WriteFile(target, formatted, 0o644)
		})
	}
	return eg.Wait()
}
