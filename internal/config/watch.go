// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// HOT RELOAD
// =============================================================================

// watchDebounce coalesces bursts of filesystem events into one reload.
// Editors typically emit several writes per save.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes and delivers each
// valid result to onReload. Invalid configs are logged and skipped, so a
// half-saved file never replaces a good one. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, logger *zap.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode would go stale
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.Info("CONFIG_WATCH",
		zap.String("path", path),
	)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("CONFIG_RELOAD_FAIL",
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}
			logger.Info("CONFIG_RELOAD",
				zap.String("path", path),
				zap.Int("models", len(cfg.Models)),
			)
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("CONFIG_WATCH_ERROR", zap.Error(err))
		}
	}
}
