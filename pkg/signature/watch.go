package signature

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads a signature set whenever its file changes on disk,
// until ctx is cancelled. Signature edits take effect without a
// restart; detectors keep reading the previous set until the swap.
func (db *DB) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(db.dir); err != nil {
		return err
	}
	db.logger.Info("watching signature directory", zap.String("dir", db.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			switch name {
			case sqlFile, xssFile, pathFile:
				db.logger.Info("signature file changed, reloading", zap.String("file", name))
				db.reload(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			db.logger.Warn("signature watcher error", zap.Error(err))
		}
	}
}
