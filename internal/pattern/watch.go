package pattern

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Watch reloads the dictionary at path into holder whenever the file is
// written or replaced. The parent directory is watched so editors that save
// by rename are picked up. A file that fails to parse is logged and the
// previous dictionary stays in place. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, holder *Holder, reloaded func(*Dictionary)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "pattern: create watcher")
	}
	defer w.Close() //nolint:errcheck

	abs, err := filepath.Abs(path)
	if err != nil {
		return eris.Wrapf(err, "pattern: resolve %s", path)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return eris.Wrapf(err, "pattern: watch %s", filepath.Dir(abs))
	}

	log := zap.L().With(zap.String("dictionary", abs))
	log.Info("watching dictionary for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			d, err := LoadDictionary(abs)
			if err != nil {
				log.Warn("dictionary reload failed, keeping previous", zap.Error(err))
				continue
			}
			holder.Store(d)
			log.Info("dictionary reloaded",
				zap.Int("charge_types", len(d.chargeNames)),
				zap.Int("currencies", len(d.codes)),
			)
			if reloaded != nil {
				reloaded(d)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("dictionary watcher error", zap.Error(err))
		}
	}
}
