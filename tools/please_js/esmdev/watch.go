package esmdev

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.trai.ch/zerr"
)

// watchPattern selects the files whose changes invalidate served modules.
const watchPattern = "**/*.{js,jsx,ts,tsx,mjs,mts,cts,css,json,md,txt,yaml,yml}"

// sseEvent is sent to clients when files change.
type sseEvent struct {
	Type  string   `json:"type"`
	Files []string `json:"files,omitempty"`
}

// broadcast sends an event to all connected SSE clients.
func (s *esmServer) broadcast(evt sseEvent) {
	s.sseMu.Lock()
	for ch := range s.clients {
		select {
		case ch <- evt:
		default:
		}
	}
	s.sseMu.Unlock()
}

// skipDirs are directories whose contents are never served as test modules.
var skipDirs = map[string]bool{
	"node_modules": true,
	"plz-out":      true,
}

// watchFiles watches the source tree until ctx is done. Changes are coalesced
// over the debounce window, dropped from the transform cache and announced to
// SSE clients so runners can restart the affected test files. The watch is in
// place when watchFiles returns.
func (s *esmServer) watchFiles(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return zerr.Wrap(err, "failed to create file watcher")
	}
	for dir := range s.watchDirs(s.packageRoot) {
		if err := w.Add(dir); err != nil {
			w.Close()
			return zerr.With(zerr.Wrap(err, "failed to watch directory"), "dir", dir)
		}
	}
	d := newDebouncer(s.debounce, func(paths []string) {
		if changed := s.invalidate(paths); len(changed) > 0 {
			s.logger.Debug().Strs("files", changed).Msg("change")
			s.broadcast(sseEvent{Type: "change", Files: changed})
		}
	})
	go s.processEvents(ctx, w, d)
	return nil
}

func (s *esmServer) processEvents(ctx context.Context, w *fsnotify.Watcher, d *debouncer) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					for dir := range s.watchDirs(event.Name) {
						_ = w.Add(dir)
					}
					continue
				}
			}
			if s.watched(event.Name) {
				d.add(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// invalidate drops changed files from the transform cache and returns their
// URL paths in sorted order.
func (s *esmServer) invalidate(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	// Added or removed files can change what a specifier resolves to.
	s.resolver.Invalidate()
	urls := make([]string, 0, len(paths))
	for _, path := range paths {
		s.transCache.Delete(path)
		if rel, err := filepath.Rel(s.packageRoot, path); err == nil {
			urls = append(urls, "/"+filepath.ToSlash(rel))
		}
	}
	sort.Strings(urls)
	return urls
}

// watched reports whether changes to path can affect a served module.
func (s *esmServer) watched(path string) bool {
	rel, err := filepath.Rel(s.packageRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	ok, _ := doublestar.Match(watchPattern, filepath.ToSlash(rel))
	return ok
}

// watchDirs yields root and the directories below it, skipping hidden
// directories, node_modules and plz-out.
func (s *esmServer) watchDirs(root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // unreadable directories are not watched
			}
			if !d.IsDir() {
				return nil
			}
			if name := d.Name(); path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// debouncer coalesces bursts of file events into one callback.
type debouncer struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	timer    *time.Timer
	window   time.Duration
	callback func(paths []string)
}

func newDebouncer(window time.Duration, callback func(paths []string)) *debouncer {
	return &debouncer{
		pending:  make(map[string]struct{}),
		window:   window,
		callback: callback,
	}
}

func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[path] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path := range d.pending {
		paths = append(paths, path)
	}
	d.pending = make(map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	if len(paths) > 0 {
		d.callback(paths)
	}
}

// handleSSE handles Server-Sent Events connections for change notifications.
func (s *esmServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	ch := make(chan sseEvent, 1)
	s.sseMu.Lock()
	s.clients[ch] = struct{}{}
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		delete(s.clients, ch)
		s.sseMu.Unlock()
	}()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			data, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
