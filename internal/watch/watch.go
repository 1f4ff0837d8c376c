// Package watch turns raw filesystem events under a project root into
// debounced reload notifications, per spec.md §4.6, and rebroadcasts them
// across Porter instances sharing one Cache directory via internal/pubsub.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmartOrange/porter/internal/pubsub"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// debounceInterval matches the Bundle state machine's own debounce window,
// so a burst of related filesystem events (a save that touches several
// files, an editor's write-then-rename) reaches OnChange as one batch.
const debounceInterval = 100 * time.Millisecond

var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Event is one changed path, relative to a Watcher's BaseDir.
type Event struct {
	Rel string
}

// InvalidationEvent is the payload published to and received from
// pubsub.InvalidationChannel, letting instances that missed a filesystem
// event (e.g. because BaseDir sits on a filesystem their own fsnotify
// watch can't see changes on) still invalidate the same paths.
type InvalidationEvent struct {
	Source string   `json:"source"`
	Rel    []string `json:"rel"`
}

// Config configures a Watcher.
type Config struct {
	BaseDir  string
	Debounce time.Duration
	OnChange func(ctx context.Context, events []Event)
	PubSub   pubsub.PubSub
	Logger   zerolog.Logger
}

// Watcher monitors BaseDir and calls OnChange after each debounce window,
// whether the triggering event was observed locally or received from
// another instance over PubSub.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	baseDir  string
	debounce time.Duration
	instance string
	started  atomic.Bool
}

// New constructs a Watcher rooted at cfg.BaseDir and registers every
// non-ignored directory under it with fsnotify.
func New(cfg Config) (*Watcher, error) {
	absBase, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve base directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = debounceInterval
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		baseDir:  absBase,
		debounce: debounce,
		instance: uuid.NewString(),
	}

	if err := w.addDirectories(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run blocks until ctx is cancelled, dispatching debounced OnChange calls
// for both locally observed and remotely broadcast events. Run must be
// called exactly once.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watch: Run called more than once")
	}
	defer w.fsw.Close()

	var (
		mu              sync.Mutex
		pendingLocal    = map[string]struct{}{}
		localTimer      *time.Timer
		pendingFromPeer = map[string]struct{}{}
		remoteTimer     *time.Timer
	)

	// scheduleLocal batches a path this instance observed directly; once the
	// debounce window closes it is both reported to OnChange and broadcast
	// to peers.
	scheduleLocal := func(rel string) {
		mu.Lock()
		pendingLocal[rel] = struct{}{}
		if localTimer == nil {
			localTimer = time.AfterFunc(w.debounce, func() { w.fire(ctx, &mu, pendingLocal, true) })
		} else {
			localTimer.Reset(w.debounce)
		}
		mu.Unlock()
	}

	// scheduleFromPeer batches a path another instance already broadcast;
	// it is only reported to OnChange, never re-published, so two
	// instances sharing PubSub never echo the same change back and forth.
	scheduleFromPeer := func(rel string) {
		mu.Lock()
		pendingFromPeer[rel] = struct{}{}
		if remoteTimer == nil {
			remoteTimer = time.AfterFunc(w.debounce, func() { w.fire(ctx, &mu, pendingFromPeer, false) })
		} else {
			remoteTimer.Reset(w.debounce)
		}
		mu.Unlock()
	}

	var remoteCh <-chan pubsub.Message
	if w.cfg.PubSub != nil {
		ch, err := w.cfg.PubSub.Subscribe(ctx, pubsub.InvalidationChannel)
		if err != nil {
			w.cfg.Logger.Warn().Err(err).Msg("watch: subscribe to invalidation channel failed, running local-only")
		} else {
			remoteCh = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: fsnotify event channel closed unexpectedly")
			}
			rel, err := filepath.Rel(w.baseDir, evt.Name)
			if err != nil || w.isIgnored(rel) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			scheduleLocal(filepath.ToSlash(rel))

		case msg, ok := <-remoteCh:
			if !ok {
				remoteCh = nil
				continue
			}
			var inv InvalidationEvent
			if err := json.Unmarshal(msg.Payload, &inv); err != nil || inv.Source == w.instance {
				continue
			}
			for _, rel := range inv.Rel {
				scheduleFromPeer(rel)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: fsnotify error channel closed unexpectedly")
			}
			w.cfg.Logger.Warn().Err(err).Msg("watch: fsnotify error")
		}
	}
}

func (w *Watcher) fire(ctx context.Context, mu *sync.Mutex, pending map[string]struct{}, publish bool) {
	if ctx.Err() != nil {
		return
	}
	mu.Lock()
	if len(pending) == 0 {
		mu.Unlock()
		return
	}
	rels := make([]string, 0, len(pending))
	for rel := range pending {
		rels = append(rels, rel)
		delete(pending, rel)
	}
	mu.Unlock()

	if publish && w.cfg.PubSub != nil {
		payload, err := json.Marshal(InvalidationEvent{Source: w.instance, Rel: rels})
		if err == nil {
			if err := w.cfg.PubSub.Publish(ctx, pubsub.InvalidationChannel, payload); err != nil {
				w.cfg.Logger.Warn().Err(err).Msg("watch: publish invalidation event failed")
			}
		}
	}

	if w.cfg.OnChange == nil {
		return
	}
	events := make([]Event, len(rels))
	for i, rel := range rels {
		events[i] = Event{Rel: rel}
	}
	w.cfg.OnChange(ctx, events)
}

func (w *Watcher) addDirectories() error {
	return filepath.WalkDir(w.baseDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.baseDir, path)
		if err != nil {
			return nil
		}
		if rel != "." && w.isIgnored(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil || w.isIgnored(rel) {
		return
	}
	_ = w.fsw.Add(path)
}

// isIgnored reports whether rel passes through a directory Porter never
// watches: version control metadata and any node_modules, since a
// dependency's own source changing out from under an installed tree is
// not a case Porter's reload model covers.
func (w *Watcher) isIgnored(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if defaultIgnoreDirs[part] {
			return true
		}
	}
	return false
}
