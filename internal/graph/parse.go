package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SmartOrange/porter/internal/cache"
	"github.com/SmartOrange/porter/internal/match"
	"github.com/SmartOrange/porter/internal/resolve"
	"github.com/SmartOrange/porter/internal/transpile"
	"github.com/cespare/xxhash/v2"
)

// KindForExt reports which Matcher dialect a file extension implies: CSS
// family files only ever @import other CSS family files, everything else
// is treated as script.
func KindForExt(ext string) match.Kind {
	switch ext {
	case ".css", ".less":
		return match.Style
	default:
		return match.Script
	}
}

// ParseEntry resolves and parses this Packet's manifest-declared entry
// point (falling back to "index"), returning its root Module.
func (p *Packet) ParseEntry(ctx context.Context, env *Env) (*Module, error) {
	mainRel := p.Manifest.Main
	if mainRel == "" {
		mainRel = "index"
	}
	spec := "./" + strings.TrimPrefix(mainRel, "./")

	res, ok := env.Resolver.Resolve(resolve.Kind(match.Script), p, p.dir, spec)
	if !ok {
		return nil, fmt.Errorf("graph: entry %q not found in packet %s", mainRel, p.dir)
	}

	mod, err := p.ParseFile(ctx, env, KindForExt(filepath.Ext(res.Rel)), res.Rel)
	if err != nil {
		return nil, err
	}
	p.SetEntry(res.Rel)
	return mod, nil
}

// ParseFile resolves rel (relative to p.Dir()) to a concrete Module,
// recursing into every dependency the Matcher discovers from its source. A
// Module already present in p.files is returned as-is without re-parsing:
// the Module is inserted into p.files before its children are parsed, so a
// cyclic require graph terminates on the second visit instead of
// recursing forever.
func (p *Packet) ParseFile(ctx context.Context, env *Env, kind match.Kind, rel string) (*Module, error) {
	p.mu.Lock()
	if existing, ok := p.files[rel]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	mod := &Module{ID: rel, Packet: p, Ext: filepath.Ext(rel)}
	p.files[rel] = mod
	p.mu.Unlock()

	if err := p.load(ctx, env, kind, mod); err != nil {
		return nil, err
	}
	return mod, nil
}

// Reload re-parses the single Module already known at rel in place,
// refreshing its Code, Map and Children without allocating a new Module,
// so anything already holding a pointer to it (a parent's Children slice,
// a Bundle) observes the update. Reload does not cascade into rel's
// dependents: the caller (App.handleChange in internal/app) is responsible for deciding
// which downstream Bundles need to re-traverse, which keeps a reload event
// bounded to the Modules that actually changed on disk.
func (p *Packet) Reload(ctx context.Context, env *Env, rel string) (*Module, bool, error) {
	rel = filepath.ToSlash(rel)
	p.mu.Lock()
	mod, ok := p.files[rel]
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	err := p.load(ctx, env, KindForExt(mod.Ext), mod)
	return mod, true, err
}

func (p *Packet) load(ctx context.Context, env *Env, kind match.Kind, mod *Module) error {
	path := filepath.Join(p.dir, filepath.FromSlash(mod.ID))
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("graph: read %s: %w", path, err)
	}
	mod.Path = path
	if info, err := os.Stat(path); err == nil {
		mod.ModTime = info.ModTime()
	}

	// dependency discovery runs against the original source, never the
	// transpiled output: a backend may rewrite or inline require() calls
	// in ways the Matcher no longer recognizes, and the whole point of the
	// Matcher is to never need to execute or fully parse either form.
	specs := match.FindAll(kind, string(source))

	if err := p.transpileModule(ctx, env, mod, source); err != nil {
		return err
	}

	children := make([]*Module, 0, len(specs))
	for _, spec := range specs {
		child, err := p.resolveChild(ctx, env, kind, mod, spec)
		if err != nil {
			return err
		}
		children = append(children, child)
	}
	mod.Children = children
	return nil
}

func (p *Packet) resolveChild(ctx context.Context, env *Env, kind match.Kind, mod *Module, spec string) (*Module, error) {
	res, ok := env.Resolver.Resolve(resolve.Kind(kind), p, filepath.Dir(mod.Path), spec)
	if !ok {
		return env.fakeModule(spec), nil
	}

	targetPkt, _ := res.Packet.(*Packet)

	if res.Disabled {
		if !p.isRoot {
			env.warn(mod.Path, spec, "graph: browser field maps a dependency's specifier to false; using an empty module")
		}
		return env.disabledModule(targetPkt, spec), nil
	}
	if targetPkt == nil {
		return env.fakeModule(spec), nil
	}

	if res.Warning != "" {
		env.warn(mod.Path, spec, res.Warning)
	}

	return targetPkt.ParseFile(ctx, env, KindForExt(filepath.Ext(res.Rel)), res.Rel)
}

func (p *Packet) transpileModule(ctx context.Context, env *Env, mod *Module, source []byte) error {
	loader, ok := transpile.LoaderForExtension(mod.Ext, p.transpileOpts)
	if !ok {
		loader = transpile.LoaderText
	}

	id := p.cacheID(mod.ID)
	hash := sourceHash(source, p.transpileOpts, p.transpileEnabled)

	entry, err := env.Cache.Obtain(ctx, id, hash, func() (cache.Entry, error) {
		out, terr := p.transpiler.Transpile(ctx, transpile.Input{
			Path:      mod.Path,
			Source:    source,
			Loader:    loader,
			Target:    p.transpileOpts.Target,
			SourceMap: true,
		})
		if terr != nil {
			return cache.Entry{}, terr
		}
		return cache.Entry{Code: out.Code, Map: out.Map}, nil
	})
	if err != nil {
		return fmt.Errorf("graph: transpile %s: %w", mod.Path, err)
	}

	mod.Code = entry.Code
	mod.Map = entry.Map
	return nil
}

// cacheID names mod.ID within its Packet's own namespace, so two Packets
// with the same relative path (e.g. two versions of the same dependency)
// never collide in the shared Cache.
func (p *Packet) cacheID(rel string) string {
	return p.Manifest.Name + "@" + p.Manifest.Version + "/" + rel
}

// sourceHash fingerprints raw source together with the transpile options it
// would be compiled with, so a Packet whose tsconfig.json target changes
// invalidates its Modules' cache entries without touching the content on
// disk.
func sourceHash(source []byte, opts transpile.Options, enabled bool) string {
	h := xxhash.New()
	h.Write(source)
	h.Write([]byte{0})
	h.Write([]byte(opts.Target))
	h.Write([]byte{0})
	h.Write([]byte(opts.JSX))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(opts.TypeScript)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(enabled)))
	return strconv.FormatUint(h.Sum64(), 16)
}
