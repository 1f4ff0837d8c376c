package bundle

import "github.com/SmartOrange/porter/internal/graph"

// traverse walks Entries' child graphs in encounter order and returns the
// Modules a build should inline, per spec.md §4.5:
//
//   - a Module already visited (by pointer identity) is never inlined twice,
//     even when reachable through more than one parent;
//   - a Module whose canonical extension doesn't match Format is skipped,
//     along with its own subtree, since Porter never mixes JS and CSS
//     output in one artifact;
//   - crossing into a dependency Packet stops entirely when Scope is
//     ScopeModule or ScopePacket: that dependency gets its own bundle,
//     fetched at runtime through the lock table instead;
//   - under ScopeAll, a dependency Packet marked Isolated still stops the
//     walk, since isolation means "always its own bundle" regardless of
//     scope;
//   - a child explicitly marked Preload is fetched on its own and never
//     inlined into its parent's artifact.
func (b *Bundle) traverse() []*graph.Module {
	visited := map[*graph.Module]bool{}
	var out []*graph.Module

	var visit func(mod *graph.Module, owner *graph.Packet)
	visit = func(mod *graph.Module, owner *graph.Packet) {
		if mod == nil || visited[mod] || mod.Disabled || mod.Fake {
			return
		}
		visited[mod] = true

		if mod.CanonicalExt() != string(b.Format) {
			return
		}
		out = append(out, mod)

		for _, child := range mod.Children {
			childOwner := owner
			if child.Packet != nil {
				childOwner = child.Packet
			}

			if childOwner != owner {
				if b.Scope == ScopeModule || b.Scope == ScopePacket {
					continue
				}
				if childOwner.Isolated() {
					continue
				}
			}
			if child.Preload {
				continue
			}
			visit(child, childOwner)
		}
	}

	for _, id := range b.Entries {
		if mod, ok := b.Packet.Module(id); ok {
			visit(mod, b.Packet)
		}
	}
	return out
}

// lockObject renders the root Packet's lock table as the flat name-version
// map the client-side porter.lock snapshot expects.
func lockObject(entries []graph.LockEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Version
	}
	return out
}
