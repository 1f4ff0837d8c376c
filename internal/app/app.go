// Package app wires Porter's config, cache, resolver and Packet forest into
// one root value and implements the asset read contract (spec.md §6) that
// both the HTTP layer and the build CLI subcommand drive.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/SmartOrange/porter/internal/bundle"
	"github.com/SmartOrange/porter/internal/cache"
	"github.com/SmartOrange/porter/internal/config"
	"github.com/SmartOrange/porter/internal/graph"
	"github.com/SmartOrange/porter/internal/pubsub"
	"github.com/SmartOrange/porter/internal/resolve"
	"github.com/SmartOrange/porter/internal/watch"
	"github.com/rs/zerolog"
)

// ReloadEvent is the payload published to pubsub.InvalidationChannel
// whenever this instance drops a cached Bundle or Module, whether from a
// filesystem change or an operator-triggered invalidation.
type ReloadEvent struct {
	ModuleID string `json:"moduleId,omitempty"`
	Reason   string `json:"reason"`
}

// bundleKey identifies one cached Bundle. main is part of the key, not a
// build-time option only: a root entry requested with and without "?main"
// are two distinct artifacts, since one carries the runtime loader and the
// other doesn't.
type bundleKey struct {
	dir    string
	entry  string
	format bundle.Format
	scope  bundle.Scope
	main   bool
}

// App is Porter's root value: one per running instance, holding the shared
// services every asset request and every watch-triggered rebuild reads
// through.
type App struct {
	Config   *config.Config
	Cache    *cache.Cache
	Resolver *resolve.Resolver
	Env      *graph.Env
	Root     *graph.Packet
	Logger   zerolog.Logger

	pubsub    pubsub.PubSub
	startedAt time.Time

	mu      sync.Mutex
	bundles map[bundleKey]*bundle.Bundle
	watcher *watch.Watcher
}

// New constructs an App from cfg: it purges or preserves the published
// output under Config.Dest per Config.Cache.Persist (keeping the ids in
// Config.Cache.Except), parses the project's manifest, and wires
// the cross-instance pub/sub backend selected by Config.Scaling.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	var mirror cache.Mirror
	if cfg.Cache.Remote.Enabled {
		m, err := cache.NewMinioMirror(cfg.Cache.Remote.Endpoint, cfg.Cache.Remote.AccessKey, cfg.Cache.Remote.SecretKey, cfg.Cache.Remote.Bucket, cfg.Cache.Remote.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("app: configure remote cache mirror: %w", err)
		}
		mirror = m
	}

	cacheRoot := filepath.Join(cfg.Root, ".porter-cache")
	c := cache.New(cacheRoot, cfg.Dest, mirror)
	if !cfg.Cache.Persist {
		if err := c.RemoveAll(cfg.Cache.Except...); err != nil {
			logger.Warn().Err(err).Msg("app: cache purge on startup failed")
		}
	}

	aliases := make([]resolve.AliasRule, 0, len(cfg.Resolve.Alias))
	for prefix, target := range cfg.Resolve.Alias {
		aliases = append(aliases, resolve.AliasRule{Prefix: prefix, Target: target})
	}
	resolver := resolve.New(resolve.OSFileSystem{}, aliases)

	manifest := graph.ParseManifest(filepath.Join(cfg.Root, "package.json"))
	manifest.BundleExclude = mergeUnique(manifest.BundleExclude, cfg.Bundle.Exclude)
	manifest.TranspileInclude = mergeUnique(manifest.TranspileInclude, cfg.Transpile.Include)

	root := graph.NewRoot(cfg.Root, manifest)
	env := graph.NewEnv(resolver, c, logger.With().Str("component", "graph").Logger())

	ps, err := pubsub.NewPubSub(&cfg.Scaling)
	if err != nil {
		return nil, fmt.Errorf("app: configure pubsub: %w", err)
	}
	pubsub.SetGlobalPubSub(ps)

	return &App{
		Config:    cfg,
		Cache:     c,
		Resolver:  resolver,
		Env:       env,
		Root:      root,
		Logger:    logger,
		pubsub:    ps,
		startedAt: time.Now(),
		bundles:   map[bundleKey]*bundle.Bundle{},
	}, nil
}

// mergeUnique concatenates a and b, dropping empties and duplicates while
// keeping first-seen order, so a manifest's own porter.bundleExclude /
// porter.transpileInclude combine with the same lists set globally in
// Config without either side silently shadowing the other.
func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ParseEntries resolves and parses every configured root entry, defaulting
// to the manifest's own entry point when Config.Entries names none, then
// does the same for every Config.Preload entry, marking each one's Module
// Preload so the bundler excludes it from other entries' traversals and
// instead builds it as its own standalone artifact (spec.md §6, §8
// property 7). Only the first entry becomes the Packet's designated entry
// point: Packet tracks a single entryID, so a project configuring several
// root entries gets loader/lock injection on the first and plain module
// bundling on the rest (see DESIGN.md). A preload entry never becomes the
// designated entry point, even when listed first in Config.Preload.
func (a *App) ParseEntries(ctx context.Context) ([]*graph.Module, error) {
	var mods []*graph.Module
	seen := map[string]bool{}

	if len(a.Config.Entries) == 0 {
		mod, err := a.Root.ParseEntry(ctx, a.Env)
		if err != nil {
			return nil, err
		}
		mods = append(mods, mod)
		seen[mod.ID] = true
	} else {
		for i, entry := range a.Config.Entries {
			kind := graph.KindForExt(path.Ext(entry))
			mod, err := a.Root.ParseFile(ctx, a.Env, kind, entry)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				a.Root.SetEntry(mod.ID)
			}
			mods = append(mods, mod)
			seen[mod.ID] = true
		}
	}

	for _, entry := range a.Config.Preload {
		kind := graph.KindForExt(path.Ext(entry))
		mod, err := a.Root.ParseFile(ctx, a.Env, kind, entry)
		if err != nil {
			return nil, fmt.Errorf("app: parse preload entry %s: %w", entry, err)
		}
		mod.Preload = true
		if !seen[mod.ID] {
			seen[mod.ID] = true
			mods = append(mods, mod)
		}
	}

	return mods, nil
}

// StartWatch watches Config.Root for changes and rebuilds affected Bundles,
// per spec.md §4.6. It blocks until ctx is cancelled.
func (a *App) StartWatch(ctx context.Context) error {
	w, err := watch.New(watch.Config{
		BaseDir:  a.Config.Root,
		OnChange: a.handleChange,
		PubSub:   a.pubsub,
		Logger:   a.Logger.With().Str("component", "watch").Logger(),
	})
	if err != nil {
		return fmt.Errorf("app: start watcher: %w", err)
	}

	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()

	return w.Run(ctx)
}

// handleChange re-parses every changed Module in place and reloads every
// currently cached Bundle whose traversal reaches at least one of them.
func (a *App) handleChange(ctx context.Context, events []watch.Event) {
	reloaded := map[string]bool{}
	for _, evt := range events {
		mod, ok, err := a.Root.Reload(ctx, a.Env, evt.Rel)
		if err != nil {
			a.Logger.Warn().Err(err).Str("path", evt.Rel).Msg("app: reload failed")
			continue
		}
		if !ok {
			continue
		}
		reloaded[mod.CanonicalID()] = true
	}
	if len(reloaded) == 0 {
		return
	}

	a.mu.Lock()
	affected := make(map[bundleKey]*bundle.Bundle, len(a.bundles))
	for key, b := range a.bundles {
		affected[key] = b
	}
	a.mu.Unlock()

	for key, b := range affected {
		if !membersIntersect(b.Members(), reloaded) {
			continue
		}
		opts := ReadOptions{Main: key.main}
		b.Reload(ctx, a.buildFunc(b, opts))
	}

	for id := range reloaded {
		a.publish(ctx, ReloadEvent{ModuleID: id, Reason: "watch"})
	}
}

// Invalidate drops every in-memory Bundle this instance holds and purges
// the published output under Config.Dest (except keep), then broadcasts
// the invalidation so peer
// instances sharing the same Cache directory do the same.
func (a *App) Invalidate(ctx context.Context, keep ...string) error {
	a.mu.Lock()
	a.bundles = map[bundleKey]*bundle.Bundle{}
	a.mu.Unlock()

	if err := a.Cache.RemoveAll(keep...); err != nil {
		return fmt.Errorf("app: invalidate cache: %w", err)
	}
	a.publish(ctx, ReloadEvent{Reason: "invalidate"})
	return nil
}

// Subscribe returns a channel of reload events published by this or any
// peer instance sharing the same pub/sub backend, for a dev client's SSE
// stream.
func (a *App) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	return a.pubsub.Subscribe(ctx, pubsub.InvalidationChannel)
}

func (a *App) publish(ctx context.Context, evt ReloadEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := a.pubsub.Publish(ctx, pubsub.InvalidationChannel, data); err != nil {
		a.Logger.Warn().Err(err).Msg("app: publish reload event failed")
	}
}

func membersIntersect(ids []string, changed map[string]bool) bool {
	for _, id := range ids {
		if changed[id] {
			return true
		}
	}
	return false
}

func (a *App) bundleFor(pkt *graph.Packet, entries []string, format bundle.Format, scope bundle.Scope, main bool) *bundle.Bundle {
	key := bundleKey{dir: pkt.Dir(), entry: pathJoinEntries(entries), format: format, scope: scope, main: main}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bundles[key]; ok {
		return b
	}
	b := bundle.New(pkt, entries, format, scope)
	a.bundles[key] = b
	return b
}

func pathJoinEntries(entries []string) string {
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\x00"
		}
		out += e
	}
	return out
}
