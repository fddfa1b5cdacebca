package accessor

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch regenerates the output whenever the manifest changes, until the
// context is canceled. Generation errors are reported through notify and
// do not stop the watch; a later edit may fix the manifest.
func Watch(ctx context.Context, manifestPath, outDir string, notify func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory: editors often replace the file, which drops
	// a watch registered on the path itself.
	if err := w.Add(filepath.Dir(manifestPath)); err != nil {
		return err
	}
	regen := func() {
		m, err := Load(manifestPath)
		if err == nil {
			err = NewGenerator(m, outDir).Generate(ctx)
		}
		if err != nil && notify != nil {
			notify(err)
		}
	}
	regen()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(manifestPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			regen()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if notify != nil {
				notify(err)
			}
		}
	}
}
