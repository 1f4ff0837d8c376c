package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/SmartOrange/porter/internal/bundle"
	"github.com/SmartOrange/porter/internal/graph"
	"github.com/SmartOrange/porter/internal/loader"
	"github.com/sourcegraph/conc/pool"
)

// ErrNotFound is returned by ReadAsset when id names nothing Porter can
// serve: an unresolved versioned dependency path, or a root-relative id
// that fails to parse.
var ErrNotFound = errors.New("app: asset not found")

// Asset is one resolved response body for the "GET /<id>" contract.
type Asset struct {
	Code        []byte
	ContentType string
	ETag        string
	ContentHash string
	// OutputPath is the path this Asset would occupy in a production dest
	// tree, relative to Config.Dest: the hashed bundle filename for a
	// built artifact, or id itself for a static or special asset.
	OutputPath string
	// ModTime backs the response's Last-Modified header (spec.md §6): the
	// source mtime for a bundle, or this instance's start time for a
	// synthetic document (loader.js, loaderConfig.json, porter-sw.js) that
	// has no backing source file and only changes across a restart.
	ModTime time.Time
}

// ReadOptions modifies how ReadAsset resolves id.
type ReadOptions struct {
	// Main marks a request carrying the "?main" query: a root-entry bundle
	// gets the runtime loader prepended and a trailing porter.import
	// appended.
	Main bool
}

// ReadAsset implements the "GET /<id>[?main]" contract: the special ids
// (loader.js, loaderConfig.json, porter-sw.js), versioned dependency paths
// ("<name>/<version>/<path>"), their ".map" siblings, and plain
// root-relative module/bundle ids.
func (a *App) ReadAsset(ctx context.Context, id string, opts ReadOptions) (Asset, error) {
	id = strings.TrimPrefix(id, "/")

	switch id {
	case "loader.js":
		return a.staticAsset(loader.Source, "application/javascript", id), nil
	case "loaderConfig.json":
		return a.loaderConfig()
	case "porter-sw.js":
		return a.staticAsset(serviceWorkerSource, "application/javascript", id), nil
	}

	if strings.HasSuffix(id, ".map") {
		base := stripContentHash(strings.TrimSuffix(id, ".map"))
		result, _, err := a.resolveBundle(ctx, base, ReadOptions{})
		if err != nil {
			return Asset{}, err
		}
		if len(result.Map) == 0 {
			return Asset{}, ErrNotFound
		}
		return Asset{Code: result.Map, ContentType: "application/json", ETag: result.ETag, OutputPath: result.OutputPath + ".map", ModTime: result.ModTime}, nil
	}

	result, format, err := a.resolveBundle(ctx, id, opts)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Code:        result.Code,
		ContentType: contentType(format),
		ETag:        result.ETag,
		ContentHash: result.ContentHash,
		OutputPath:  result.OutputPath,
		ModTime:     result.ModTime,
	}, nil
}

// resolveBundle parses id (if needed) into a Module, obtains its Bundle,
// and returns the built Result alongside the Format it was built as.
func (a *App) resolveBundle(ctx context.Context, id string, opts ReadOptions) (bundle.Result, bundle.Format, error) {
	if name, version, rel, ok := splitVersionedID(id); ok {
		pkt, ok := a.Root.FindDependency(name, version)
		if !ok {
			return bundle.Result{}, "", ErrNotFound
		}
		result, format, err := a.buildAsset(ctx, pkt, rel, ReadOptions{})
		return result, format, err
	}
	return a.buildAsset(ctx, a.Root, id, opts)
}

func (a *App) buildAsset(ctx context.Context, pkt *graph.Packet, rel string, opts ReadOptions) (bundle.Result, bundle.Format, error) {
	kind := graph.KindForExt(path.Ext(rel))
	mod, err := pkt.ParseFile(ctx, a.Env, kind, rel)
	if err != nil {
		return bundle.Result{}, "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	format := bundle.FormatJS
	if mod.CanonicalExt() == string(bundle.FormatCSS) {
		format = bundle.FormatCSS
	}

	main := opts.Main && pkt.IsRoot()
	b := a.bundleFor(pkt, []string{rel}, format, bundle.ScopeModule, main)
	result, err := b.Obtain(ctx, a.buildFunc(b, ReadOptions{Main: main}))
	return result, format, err
}

func (a *App) buildFunc(b *bundle.Bundle, opts ReadOptions) bundle.BuildFunc {
	return func(ctx context.Context) (bundle.Result, error) {
		return b.Build(ctx, bundle.Options{
			Loader:        opts.Main,
			LoaderSource:  []byte(loader.Source),
			Minify:        !a.Config.Debug,
			PackReachable: a.packReachable,
		})
	}
}

// packReachable builds and persists a standalone artifact for every
// dependency, isolated, or preload Module reachable from entry, the same
// targets App.Build discovers for "porter build" (see reachableTargets).
// Bundle.Build calls it once per root-entry request, before emitting the
// entry's own artifact, so a client loader following the lock table to a
// dependency's bundle never races its first pack (spec.md §4.5, §8 S2).
func (a *App) packReachable(ctx context.Context, entry *graph.Module) error {
	seen := map[string]bool{moduleKey(entry): true}
	targets := reachableTargets(entry, seen)
	if len(targets) == 0 {
		return nil
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(8)
	for _, t := range targets {
		t := t
		p.Go(func(ctx context.Context) error {
			return a.writeAsset(ctx, t.id, t.opts)
		})
	}
	return p.Wait()
}

func contentType(format bundle.Format) string {
	if format == bundle.FormatCSS {
		return "text/css"
	}
	return "application/javascript"
}

func (a *App) staticAsset(source, ctype, outputPath string) Asset {
	return Asset{Code: []byte(source), ContentType: ctype, ETag: etagString(source), OutputPath: outputPath, ModTime: a.startedAt}
}

func etagString(s string) string {
	sum := md5.Sum([]byte(s))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// loaderConfigDoc is the document served at loaderConfig.json: the lock
// table the embedded runtime needs to resolve a bare require to a concrete
// (name, version) pair without walking the server-side Packet forest
// itself, plus the preload list so the client can warm those bundles
// without an explicit import reaching them first.
type loaderConfigDoc struct {
	Lock    map[string]string `json:"lock"`
	Preload []string          `json:"preload"`
}

func (a *App) loaderConfig() (Asset, error) {
	lock := make(map[string]string)
	for _, e := range a.Root.Lock() {
		lock[e.Name] = e.Version
	}
	data, err := json.Marshal(loaderConfigDoc{Lock: lock, Preload: a.Config.Preload})
	if err != nil {
		return Asset{}, fmt.Errorf("app: marshal loader config: %w", err)
	}
	return Asset{Code: data, ContentType: "application/json", ETag: etagString(string(data)), OutputPath: "loaderConfig.json", ModTime: a.startedAt}, nil
}

// serviceWorkerSource is the minimal "porter-sw.js" asset: an install-time
// no-op that exists so a client can register a service worker unconditionally
// without Porter needing a real offline caching strategy of its own.
const serviceWorkerSource = `self.addEventListener('install', function(event) {
  self.skipWaiting();
});
self.addEventListener('activate', function(event) {
  event.waitUntil(self.clients.claim());
});
`

// splitVersionedID recognizes the "<name>/<version>/<path>" shape: name is
// one path segment, or two when it starts with an npm scope ("@scope/pkg"),
// version is the next segment, and it must look like a version (start with
// a digit) to disambiguate from a root-relative id that merely happens to
// have several path segments.
func splitVersionedID(id string) (name, version, rel string, ok bool) {
	parts := strings.Split(id, "/")
	idx := 1
	if strings.HasPrefix(id, "@") {
		idx = 2
	}
	if len(parts) <= idx+1 {
		return "", "", "", false
	}
	version = parts[idx]
	if version == "" || version[0] < '0' || version[0] > '9' {
		return "", "", "", false
	}
	name = strings.Join(parts[:idx], "/")
	rel = strings.Join(parts[idx+1:], "/")
	return name, version, rel, true
}

// stripContentHash removes a bundle's "<contenthash>" path segment from a
// built output name (e.g. "app.a1b2c3d4.js" -> "app.js"), so a requested
// ".map" sibling can be resolved back to the logical id that produced it.
func stripContentHash(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	maybeHash := path.Ext(base)
	if len(maybeHash) == 9 && isHex(maybeHash[1:]) {
		return strings.TrimSuffix(base, maybeHash) + ext
	}
	return name
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
