// Package bundle implements the deterministic graph traversal that turns
// one or more Modules into a single deliverable script or stylesheet
// artifact, per spec.md §4.5.
package bundle

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/SmartOrange/porter/internal/graph"
	"github.com/SmartOrange/porter/internal/sourcemap"
	"github.com/SmartOrange/porter/internal/transpile"
	"golang.org/x/sync/singleflight"
)

// Format is a Bundle's output kind.
type Format string

const (
	FormatJS  Format = ".js"
	FormatCSS Format = ".css"
)

// Scope controls how far a Bundle's traversal reaches outside its owning
// Packet.
type Scope string

const (
	// ScopeModule is the default: only the owning Packet's own Modules
	// are inlined.
	ScopeModule Scope = "module"
	// ScopePacket is an alias for ScopeModule kept for the config surface
	// named in spec.md §6 ("packet" is listed alongside "all"); Porter
	// treats a Bundle as owned by exactly one Packet, so there is no
	// broader "packet" reach than "module" within this implementation.
	ScopePacket Scope = "packet"
	// ScopeAll inlines Modules from any Packet reachable from the
	// traversal, not just the owning one.
	ScopeAll Scope = "all"
)

type state int

const (
	stateIdle state = iota
	stateDirty
	stateRebuilding
)

// debounceInterval matches spec.md §4.6's 100ms reload debounce window.
const debounceInterval = 100 * time.Millisecond

// Options configures one Obtain call.
type Options struct {
	// Loader controls whether a root entry's bundle gets the runtime
	// loader prepended and a trailing porter.import appended. Setting it
	// also marks the primary entry of a root-Packet JS bundle as the
	// application entry, even when it is not the Packet's designated
	// entry. Ignored for dependency Packets and non-JS formats.
	Loader bool
	// LoaderSource is the runtime loader's own source, prepended verbatim
	// (already minified by the caller if desired) ahead of the lock
	// snapshot and the bundled modules.
	LoaderSource []byte
	Minify       bool
	// PackReachable, when set, runs once before emission whenever the
	// primary entry is a root entry: it forces every Packet reachable from
	// the owning Packet to pack (build and persist) its own artifact, so
	// those artifacts already exist on disk by the time the client loader
	// resolves to them at runtime (spec.md §4.5's Emission bullet).
	PackReachable func(ctx context.Context, entry *graph.Module) error
}

// Result is one built artifact.
type Result struct {
	Code        []byte
	Map         []byte
	ETag        string
	ContentHash string
	// OutputPath is the artifact's public path: "<output>" for the root
	// Packet, "<name>/<version>/<output>" otherwise.
	OutputPath string
	// ModTime is the latest Module.ModTime among every Module this
	// Result's traversal inlined, for the asset endpoint's Last-Modified
	// header (spec.md §6): the artifact is only as fresh as its most
	// recently changed source file.
	ModTime time.Time
}

// Bundle is one deliverable artifact: a deterministic traversal of Entries
// within Packet, for Format, honoring Scope.
type Bundle struct {
	Packet  *graph.Packet
	Entries []string
	Format  Format
	Scope   Scope

	mu     sync.Mutex
	state  state
	result *Result
	timer  *time.Timer

	obtainGroup singleflight.Group
}

// New constructs a Bundle. entries are Module ids (Packet-relative, as
// stored in Packet.Module) already parsed into the graph; New does not
// trigger parsing itself.
func New(pkt *graph.Packet, entries []string, format Format, scope Scope) *Bundle {
	return &Bundle{Packet: pkt, Entries: entries, Format: format, Scope: scope}
}

// BuildFunc runs the actual traversal-and-emit work; Obtain and Reload use
// it as the unit of work they coalesce and debounce around.
type BuildFunc func(ctx context.Context) (Result, error)

// Obtain returns the Bundle's built Result, computing it via build on a
// miss. Concurrent Obtain calls coalesce onto one in-flight build via
// singleflight, implementing the "at most one obtain runs at a time"
// ordering guarantee and the state machine's rebuilding phase.
func (b *Bundle) Obtain(ctx context.Context, build BuildFunc) (Result, error) {
	b.mu.Lock()
	if b.result != nil {
		r := *b.result
		b.mu.Unlock()
		return r, nil
	}
	b.mu.Unlock()

	v, err, _ := b.obtainGroup.Do("build", func() (interface{}, error) {
		b.mu.Lock()
		if b.result != nil {
			r := *b.result
			b.mu.Unlock()
			return r, nil
		}
		b.state = stateRebuilding
		b.mu.Unlock()

		result, err := build(ctx)

		b.mu.Lock()
		if err == nil {
			b.result = &result
		}
		if b.state != stateDirty {
			b.state = stateIdle
		}
		b.mu.Unlock()
		return result, err
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Reload schedules a debounced rebuild: multiple calls within
// debounceInterval collapse into one, per spec.md §4.6. A call arriving
// while a build triggered by an earlier Reload is already rebuilding
// marks the Bundle dirty instead of starting a second concurrent build;
// the in-flight build restarts itself once it completes.
func (b *Bundle) Reload(ctx context.Context, build BuildFunc) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(debounceInterval, func() { b.runReload(ctx, build) })
	b.mu.Unlock()
}

func (b *Bundle) runReload(ctx context.Context, build BuildFunc) {
	b.mu.Lock()
	if b.state == stateRebuilding {
		b.state = stateDirty
		b.mu.Unlock()
		return
	}
	b.state = stateRebuilding
	b.result = nil
	b.mu.Unlock()

	result, err := build(ctx)

	b.mu.Lock()
	again := b.state == stateDirty
	if err == nil {
		b.result = &result
	}
	b.state = stateIdle
	b.mu.Unlock()

	if again {
		b.runReload(ctx, build)
	}
}

// Build runs the traversal and emission described in spec.md §4.5 and
// returns the resulting Result. It does not consult or populate the
// Bundle's cached state; callers reach it through Obtain or Reload's
// BuildFunc so those layers own caching and coalescing.
func (b *Bundle) Build(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	entryMod, hasEntry := b.entryModule()
	rootEntry := b.Format == FormatJS && b.Packet.IsRoot() && entryMod != nil && (hasEntry || opts.Loader)
	injectLoader := rootEntry && entryMod != nil && !entryMod.Preload && opts.Loader

	if rootEntry && opts.PackReachable != nil {
		if err := opts.PackReachable(ctx, entryMod); err != nil {
			return Result{}, fmt.Errorf("bundle: pack reachable packets: %w", err)
		}
	}

	var code bytes.Buffer
	mapBuilder := sourcemap.NewBuilder()

	if injectLoader && len(opts.LoaderSource) > 0 {
		code.Write(opts.LoaderSource)
		code.WriteByte('\n')
		mapBuilder.AddOpaqueLines(bytes.Count(opts.LoaderSource, []byte("\n")) + 1)
	}

	if rootEntry {
		if lock := b.Packet.Lock(); len(lock) > 0 {
			snapshot, err := json.Marshal(lockObject(lock))
			if err == nil {
				fmt.Fprintf(&code, "Object.assign(porter.lock, %s);\n", snapshot)
				mapBuilder.AddOpaqueLines(1)
			}
		}
	}

	modules := b.traverse()
	var modTime time.Time
	for _, mod := range modules {
		var chunk []byte
		if b.Format == FormatJS {
			chunk = wrapModule(mod)
		} else {
			chunk = mod.Code
		}
		code.Write(chunk)
		code.WriteByte('\n')
		mapBuilder.AddChunk(mod.ID, bytes.Count(chunk, []byte("\n"))+1, mod.Map)
		if mod.ModTime.After(modTime) {
			modTime = mod.ModTime
		}
	}

	if injectLoader {
		fmt.Fprintf(&code, "porter.import(%q);\n", entryMod.CanonicalID())
		mapBuilder.AddOpaqueLines(1)
	}

	final := code.Bytes()
	if opts.Minify {
		minified, err := minify(ctx, final, b.Format)
		if err != nil {
			return Result{}, fmt.Errorf("bundle: minify %s: %w", b.outputBase(), err)
		}
		final = minified
	}

	mapV3 := mapBuilder.Build(b.outputBase()+string(b.Format), "/")
	mapJSON, err := sourcemap.Marshal(mapV3)
	if err != nil {
		return Result{}, fmt.Errorf("bundle: marshal map: %w", err)
	}

	hash := contentHash(final)
	output := fmt.Sprintf("%s.%s%s", b.outputBase(), hash, string(b.Format))
	outputPath := output
	if !b.Packet.IsRoot() {
		outputPath = path.Join(b.Packet.Name(), b.Packet.Version(), output)
	}

	return Result{
		Code:        final,
		Map:         mapJSON,
		ETag:        etagFor(final),
		ContentHash: hash,
		OutputPath:  outputPath,
		ModTime:     modTime,
	}, nil
}

// Members returns the canonical ids of every Module currently reachable
// from this Bundle's traversal, letting a caller decide whether a changed
// Module affects this Bundle without re-running a full Build.
func (b *Bundle) Members() []string {
	mods := b.traverse()
	ids := make([]string, len(mods))
	for i, mod := range mods {
		ids[i] = mod.CanonicalID()
	}
	return ids
}

func (b *Bundle) entryModule() (*graph.Module, bool) {
	if len(b.Entries) == 0 {
		return nil, false
	}
	mod, ok := b.Packet.Module(b.Entries[0])
	if !ok {
		return nil, false
	}
	return mod, mod.IsRootEntry()
}

func (b *Bundle) outputBase() string {
	if len(b.Entries) == 0 {
		return "bundle"
	}
	id := b.Entries[0]
	if mod, ok := b.Packet.Module(b.Entries[0]); ok {
		id = mod.CanonicalID()
	}
	base := path.Base(id)
	return strings.TrimSuffix(base, path.Ext(base))
}

func wrapModule(mod *graph.Module) []byte {
	return []byte(fmt.Sprintf("define(%q, function(require, exports, module) {\n%s\n});", mod.CanonicalID(), string(mod.Code)))
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return bytes.Count(b, []byte("\n")) + 1
}

func contentHash(code []byte) string {
	sum := md5.Sum(code)
	return hex.EncodeToString(sum[:])[:8]
}

func etagFor(code []byte) string {
	sum := md5.Sum(code)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func minify(ctx context.Context, code []byte, format Format) ([]byte, error) {
	loader := transpile.LoaderJS
	if format == FormatCSS {
		loader = transpile.LoaderCSS
	}
	out, err := transpile.NewESBuild().Transpile(ctx, transpile.Input{
		Path:   "bundle" + string(format),
		Source: code,
		Loader: loader,
		Minify: true,
	})
	if err != nil {
		return nil, err
	}
	return out.Code, nil
}
