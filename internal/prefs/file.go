// Package prefs stores the view-only preferences in a small yaml file and
// reloads it when it changes on disk.
package prefs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"viewonly-guard/internal/host"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const debounceDelay = 100 * time.Millisecond

// File is a yaml-backed host.Settings. Keys are written with underscores
// ("remember-state" becomes remember_state).
type File struct {
	path string

	mu       sync.RWMutex
	values   map[string]bool
	defaults map[string]bool
	onChange []func(key string, v bool)
}

// Open reads path if it exists. A missing file is an empty preference set.
func Open(path string) (*File, error) {
	f := &File{
		path:     path,
		values:   make(map[string]bool),
		defaults: make(map[string]bool),
	}
	values, err := readFile(path)
	if err != nil {
		return nil, err
	}
	f.values = values
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

// Register declares a preference and its default.
func (f *File) Register(p host.Preference) error {
	if p.Key == "" {
		return fmt.Errorf("preference without key")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[p.Key] = p.Default
	return nil
}

// Bool returns the stored value, else the registered default, else def.
func (f *File) Bool(key string, def bool) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.effective(key, def), nil
}

func (f *File) effective(key string, def bool) bool {
	if v, ok := f.values[key]; ok {
		return v
	}
	if v, ok := f.defaults[key]; ok {
		return v
	}
	return def
}

// SetBool rewrites the file with v and keeps it only once the write
// succeeded.
func (f *File) SetBool(key string, v bool) error {
	f.mu.Lock()
	before := f.effective(key, false)
	next := copyValues(f.values)
	next[key] = v
	if err := writeFile(f.path, next); err != nil {
		f.mu.Unlock()
		return err
	}
	f.values = next
	handlers := append([]func(string, bool){}, f.onChange...)
	f.mu.Unlock()

	if before != v {
		for _, fn := range handlers {
			fn(key, v)
		}
	}
	return nil
}

// OnChange registers a callback for values changed by SetBool or by an edit
// of the file on disk.
func (f *File) OnChange(fn func(key string, v bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = append(f.onChange, fn)
}

// Watch reloads the file on every write until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("create preferences dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go f.watchLoop(ctx, watcher)
	return nil
}

func (f *File) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(f.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := f.Reload(); err != nil {
					log.Printf("preferences reload failed: %v", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("preferences watcher: %v", err)
		}
	}
}

// Reload re-reads the file and fires OnChange for every effective value
// that differs.
func (f *File) Reload() error {
	values, err := readFile(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	keys := make(map[string]struct{})
	for k := range values {
		keys[k] = struct{}{}
	}
	for k := range f.values {
		keys[k] = struct{}{}
	}
	type change struct {
		key string
		v   bool
	}
	var changes []change
	for k := range keys {
		before := f.effective(k, false)
		after, ok := values[k]
		if !ok {
			after = f.defaults[k]
		}
		if before != after {
			changes = append(changes, change{k, after})
		}
	}
	f.values = values
	handlers := append([]func(string, bool){}, f.onChange...)
	f.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].key < changes[j].key })
	for _, c := range changes {
		for _, fn := range handlers {
			fn(c.key, c.v)
		}
	}
	return nil
}

func readFile(path string) (map[string]bool, error) {
	values := make(map[string]bool)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var raw map[string]bool
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	for k, v := range raw {
		values[strings.ReplaceAll(k, "_", "-")] = v
	}
	return values, nil
}

// writeFile replaces path atomically via a temp file in the same directory.
func writeFile(path string, values map[string]bool) error {
	raw := make(map[string]bool, len(values))
	for k, v := range values {
		raw[strings.ReplaceAll(k, "-", "_")] = v
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

func copyValues(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
