// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// ropcode.
//
// This file implements live reload: a filesystem watcher that re-validates
// and republishes the configuration when the file changes on disk.
package config

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when its file changes on disk. Invalid
// intermediate states (editors write in multiple steps) are logged and
// skipped; the last good config stays active.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher

	mu       sync.Mutex
	current  *Config
	onReload func(*Config)

	done chan struct{}
}

// Watch starts watching path. initial is the already-loaded config served
// until the first successful reload; onReload fires on each one.
func Watch(path string, initial *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: rename-based saves replace the
	// inode and a file watch would go stale after the first write.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fw:       fw,
		current:  initial,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("WARNING: config reload skipped: %v", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	fn := w.onReload
	w.mu.Unlock()

	if fn != nil {
		fn(cfg)
	}
}
