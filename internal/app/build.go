package app

import (
	"context"
	"fmt"
	"path"

	"github.com/SmartOrange/porter/internal/graph"
	"github.com/sourcegraph/conc/pool"
)

// buildTarget is one artifact App.Build must produce: an id in the same
// shape ReadAsset accepts, and the options it must be read with.
type buildTarget struct {
	id   string
	opts ReadOptions
}

// Build resolves every configured entry and writes the resulting production
// artifacts under Config.Dest: the runtime loader and its config, each
// entry's own bundle, and a standalone bundle for every dependency or
// isolated Module reachable from an entry, named the same way the server
// would serve it at runtime. It exists for "porter build", which produces a
// static dest tree once and exits rather than serving requests.
//
// The graph walk that discovers these targets runs in-process over the
// already-parsed Module tree, but the Packets it names are packed (built
// into a bundle and written to disk) through a bounded worker pool, so a
// root entry with a very wide dependency forest does not spawn one
// goroutine per reachable Packet.
func (a *App) Build(ctx context.Context) error {
	mods, err := a.ParseEntries(ctx)
	if err != nil {
		return fmt.Errorf("app: build: parse entries: %w", err)
	}

	targets := []buildTarget{
		{id: "loader.js"},
		{id: "loaderConfig.json"},
		{id: "porter-sw.js"},
	}

	seen := map[string]bool{}
	for _, mod := range mods {
		targets = append(targets, buildTarget{id: mod.ID, opts: ReadOptions{Main: mod.IsRootEntry()}})
		seen[moduleKey(mod)] = true
		targets = append(targets, reachableTargets(mod, seen)...)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(8)
	for _, t := range targets {
		t := t
		p.Go(func(ctx context.Context) error {
			if err := a.writeAsset(ctx, t.id, t.opts); err != nil {
				return fmt.Errorf("app: build %s: %w", t.id, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// reachableTargets walks mod's children, returning a buildTarget for every
// Module the client loader would fetch by its own URL rather than find
// inlined in an entry's bundle: a dependency Packet's Module, or one marked
// Isolated or Preload within the root Packet.
func reachableTargets(mod *graph.Module, seen map[string]bool) []buildTarget {
	var out []buildTarget
	for _, child := range mod.Children {
		key := moduleKey(child)
		if seen[key] || child.Fake || child.Disabled {
			continue
		}
		seen[key] = true

		if !child.Packet.IsRoot() || child.Isolated || child.Preload {
			id := child.ID
			if !child.Packet.IsRoot() {
				id = path.Join(child.Packet.Name(), child.Packet.Version(), child.ID)
			}
			out = append(out, buildTarget{id: id})
		}

		out = append(out, reachableTargets(child, seen)...)
	}
	return out
}

func (a *App) writeAsset(ctx context.Context, id string, opts ReadOptions) error {
	asset, err := a.ReadAsset(ctx, id, opts)
	if err != nil {
		return err
	}
	return a.Cache.WriteFile(asset.OutputPath, asset.Code)
}

func moduleKey(mod *graph.Module) string {
	if mod.Packet == nil {
		return "fake\x00" + mod.ID
	}
	return mod.Packet.Dir() + "\x00" + mod.ID
}
