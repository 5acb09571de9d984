// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the classifier's tables whenever the YAML file at path
// changes, until ctx is cancelled.
//
// # Description
//
// A parse failure keeps the previous tables and logs a warning; the
// classifier is never left with a half-applied table set. Watch blocks;
// run it in its own goroutine.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - c: The classifier to update.
//   - path: YAML tables file to watch.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be created or the file
//     cannot be watched.
func Watch(ctx context.Context, c *Classifier, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating table watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	slog.Info("watching classifier tables", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			tables, err := LoadTables(path)
			if err != nil {
				slog.Warn("classifier table reload failed, keeping previous tables",
					"path", path, "error", err)
				continue
			}
			c.Replace(tables)
			slog.Info("classifier tables reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("classifier table watcher error", "error", err)
		}
	}
}
