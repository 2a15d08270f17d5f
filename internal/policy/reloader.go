package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/storage"
)

// Reloader keeps a Snapshot current against two change sources: the
// fence YAML on disk and the capability table in storage. File changes
// arrive through fsnotify with an mtime poll as fallback; capabilities
// are compared by a stable tuple snapshot on each poll tick. Either
// trigger rebuilds the whole engine and swaps it in one step.
type Reloader struct {
	path     string
	store    storage.Storage
	snapshot *Snapshot
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger

	lastMtime   time.Time
	lastCapsSig string
}

func NewReloader(path string, store storage.Storage, snapshot *Snapshot, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reloader{
		path:     path,
		store:    store,
		snapshot: snapshot,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(os.Stdout, "[Policy] ", log.LstdFlags),
	}
}

// Start runs the watch loop in the background.
func (r *Reloader) Start() {
	go r.run()
}

// Stop terminates the watch loop.
func (r *Reloader) Stop() {
	close(r.stopCh)
}

// Rebuild constructs a fresh engine from the fence file and the current
// capability table and swaps it in. Exposed so the capability route can
// make a declaration visible without waiting out a poll interval.
func (r *Reloader) Rebuild(ctx context.Context) error {
	static, err := LoadStaticPolicy(r.path)
	if err != nil {
		return err
	}
	caps, err := r.store.ListCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("list capabilities: %w", err)
	}
	r.snapshot.Swap(NewEngine(static, caps))
	r.lastCapsSig = capsSignature(caps)
	if info, err := os.Stat(r.path); err == nil {
		r.lastMtime = info.ModTime()
	}
	return nil
}

func (r *Reloader) run() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Printf("fsnotify unavailable, falling back to polling: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.path); err != nil {
			r.logger.Printf("watch %s failed, falling back to polling: %v", r.path, err)
		}
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.reload("fence file changed")
				// Editors replace files; re-add to keep watching the path.
				_ = watcher.Add(r.path)
			}
		case <-ticker.C:
			r.poll()
		case <-r.stopCh:
			return
		}
	}
}

// poll covers the fsnotify gaps: mtime drift and capability changes.
func (r *Reloader) poll() {
	if info, err := os.Stat(r.path); err == nil && !info.ModTime().Equal(r.lastMtime) {
		r.reload("fence file mtime changed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	caps, err := r.store.ListCapabilities(ctx)
	if err != nil {
		r.logger.Printf("capability poll failed: %v", err)
		return
	}
	if sig := capsSignature(caps); sig != r.lastCapsSig {
		r.reload("capabilities changed")
	}
}

func (r *Reloader) reload(why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Rebuild(ctx); err != nil {
		r.logger.Printf("reload failed (%s): %v", why, err)
		return
	}
	r.logger.Printf("policy reloaded: %s", why)
}

// capsSignature is the stable comparison tuple over the capability
// table: (ae_id, sorted publishes, sorted subscribes, updated_at).
func capsSignature(caps []*core.Capability) string {
	parts := make([]string, 0, len(caps))
	for _, c := range caps {
		pubs := append([]string(nil), c.Publishes...)
		subs := append([]string(nil), c.Subscribes...)
		sort.Strings(pubs)
		sort.Strings(subs)
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%d",
			c.AEID, strings.Join(pubs, ","), strings.Join(subs, ","), c.UpdatedAt))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
