// Package resolve implements specifier resolution: mapping a require/import
// string seen inside one Module to a concrete file in some Packet, per the
// relative / alias / bare-specifier algorithm.
package resolve

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Kind selects the extension search order used once a candidate path has no
// extension of its own.
type Kind int

const (
	Script Kind = iota
	Style
)

var scriptExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".json"}
var styleExtensions = []string{".css", ".less"}

// maxAliasHops bounds alias-rewrite chains so a misconfigured or cyclic
// alias table can't loop resolution forever.
const maxAliasHops = 8

// maxAncestorHops bounds the upward walk for bare-specifier lookup.
const maxAncestorHops = 1024

// BrowserTarget is one entry of a Packet's browser-field override map.
type BrowserTarget struct {
	// Disabled marks the target as replaced with an empty placeholder.
	Disabled bool
	// Path is the rewritten subpath when Disabled is false.
	Path string
}

// Locator is the view of a Packet the Resolver needs. graph.Packet
// implements this; keeping it narrow avoids an import cycle between the
// graph and resolve packages.
type Locator interface {
	// Dir is the Packet's absolute root directory.
	Dir() string
	// BrowserField returns the Packet's parsed browser-field overrides,
	// keyed the way they appear in the manifest (bare or "./"-prefixed).
	BrowserField() map[string]BrowserTarget
	// RecordFolder notes that rel (slash-separated, relative to Dir) was
	// resolved as a directory, so lazy directory-require loaders can later
	// enumerate it.
	RecordFolder(rel string)
	// Ancestor returns the Packet one level up the dependency chain that
	// this Packet should defer to for bare-specifier lookups it can't
	// satisfy itself, analogous to walking up node_modules directories.
	Ancestor() (Locator, bool)
	// Dependency returns the nearest Packet providing name, honoring
	// whatever version-selection policy (e.g. a lock table) the
	// implementation applies. ok is false if this Packet has no such
	// dependency.
	Dependency(name string) (Locator, bool)
	// Main is the manifest's configured entry subpath, used when a bare
	// specifier names a package with no subpath of its own.
	Main() string
}

// AliasRule rewrites specifiers with a matching prefix to a new prefix,
// restarting resolution from step 1 at the Packet root.
type AliasRule struct {
	Prefix string
	Target string
}

// Result is the outcome of a successful resolution.
type Result struct {
	// Packet is the Locator the target ultimately resolved within, so the
	// caller can store the new Module under the right owner. For a
	// relative specifier this is the same Packet that was passed in; for a
	// bare specifier it is whichever ancestor Packet provided the name.
	Packet Locator
	// Rel is Path relative to Packet.Dir(), slash-separated. Empty when
	// Disabled.
	Rel string
	// Path is the absolute on-disk file path. Empty when Disabled.
	Path string
	// Disabled is true when the browser field mapped the target to false:
	// the caller should synthesize an empty placeholder Module rather than
	// treat this as unresolved.
	Disabled bool
	// Warning is non-empty when the resolved path differs from the on-disk
	// name only in case.
	Warning string
}

// FileSystem abstracts the filesystem probing the Resolver needs, so tests
// can substitute an in-memory tree instead of touching disk.
type FileSystem interface {
	// Stat reports whether path exists and, if so, whether it is a
	// directory.
	Stat(path string) (isDir bool, exists bool)
	// ActualCase reports the on-disk name for a file matching name inside
	// dir case-insensitively, if it differs in case from name.
	ActualCase(dir, name string) (actual string, differs bool)
}

// Resolver resolves specifiers against Packets using FS for filesystem
// probing and aliases for path-alias rewriting.
type Resolver struct {
	FS      FileSystem
	aliases []AliasRule
}

// New constructs a Resolver. aliases are sorted by descending prefix length
// so overlapping prefixes resolve deterministically (longest match wins).
func New(fs FileSystem, aliases []AliasRule) *Resolver {
	sorted := make([]AliasRule, len(aliases))
	copy(sorted, aliases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Resolver{FS: fs, aliases: sorted}
}

// Resolve maps specifier, as written inside a Module located in fromDir and
// owned by pkt, to a Result. ok is false when the specifier is genuinely
// unresolved (the caller may represent that with a fake Module so the graph
// stays connected); it is never false merely because the target is
// browser-disabled.
func (r *Resolver) Resolve(kind Kind, pkt Locator, fromDir, specifier string) (Result, bool) {
	spec := specifier
	pivot := pkt
	dir := fromDir

	for hop := 0; hop < maxAliasHops; hop++ {
		if isRelative(spec) {
			abs := filepath.Clean(filepath.Join(dir, spec))
			rel, err := filepath.Rel(pivot.Dir(), abs)
			if err != nil {
				return Result{}, false
			}
			return r.resolveWithinPacket(kind, pivot, filepath.ToSlash(rel))
		}

		if target, ok := r.rewriteAlias(spec); ok {
			spec = target
			dir = pivot.Dir()
			continue
		}

		break
	}

	return r.resolveBareSpecifier(kind, pivot, spec)
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func (r *Resolver) rewriteAlias(spec string) (string, bool) {
	for _, rule := range r.aliases {
		if spec == rule.Prefix {
			return rule.Target, true
		}
		if strings.HasPrefix(spec, rule.Prefix+"/") {
			return rule.Target + strings.TrimPrefix(spec, rule.Prefix), true
		}
	}
	return "", false
}

// resolveBareSpecifier implements step 3/4: walk upward for the nearest
// Packet providing name, then resolve subpath (or Main) within it.
func (r *Resolver) resolveBareSpecifier(kind Kind, from Locator, spec string) (Result, bool) {
	name, subpath := splitBareSpecifier(spec)

	target, ok := r.findPacket(from, name)
	if !ok {
		return Result{}, false
	}

	rel := subpath
	if rel == "" {
		rel = target.Main()
		if rel == "" {
			rel = "index"
		}
	}
	return r.resolveWithinPacket(kind, target, rel)
}

func (r *Resolver) findPacket(from Locator, name string) (Locator, bool) {
	cur := from
	for hop := 0; hop < maxAncestorHops; hop++ {
		if dep, ok := cur.Dependency(name); ok {
			return dep, true
		}
		parent, ok := cur.Ancestor()
		if !ok {
			return nil, false
		}
		cur = parent
	}
	return nil, false
}

// splitBareSpecifier splits "name/subpath" into its package name and
// subpath, treating a leading "@scope" segment as part of the name.
func splitBareSpecifier(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 2)
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		rest := strings.SplitN(parts[1], "/", 2)
		name = parts[0] + "/" + rest[0]
		if len(rest) > 1 {
			subpath = rest[1]
		}
		return name, subpath
	}
	name = parts[0]
	if len(parts) > 1 {
		subpath = parts[1]
	}
	return name, subpath
}

// resolveWithinPacket applies the browser-field override, then the
// extension and directory rules, to rel (slash-separated, relative to
// pkt.Dir()).
func (r *Resolver) resolveWithinPacket(kind Kind, pkt Locator, rel string) (Result, bool) {
	rewritten, disabled := applyBrowserField(pkt, rel)
	if disabled {
		return Result{Packet: pkt, Disabled: true}, true
	}
	return r.probeCandidate(kind, pkt, rewritten)
}

func applyBrowserField(pkt Locator, rel string) (rewritten string, disabled bool) {
	field := pkt.BrowserField()
	if len(field) == 0 {
		return rel, false
	}
	for _, key := range browserKeys(rel) {
		if target, ok := field[key]; ok {
			if target.Disabled {
				return "", true
			}
			return target.Path, false
		}
	}
	return rel, false
}

func browserKeys(rel string) []string {
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "./") || strings.HasPrefix(rel, "../") {
		return []string{rel}
	}
	return []string{rel, "./" + rel}
}

// probeCandidate applies the extension rule and, failing that, the
// directory-index rule, to rel.
func (r *Resolver) probeCandidate(kind Kind, pkt Locator, rel string) (Result, bool) {
	exts := scriptExtensions
	if kind == Style {
		exts = styleExtensions
	}

	rel = filepath.FromSlash(rel)
	dir := pkt.Dir()

	if filepath.Ext(rel) != "" {
		return r.statFile(pkt, dir, rel)
	}

	for _, ext := range exts {
		if res, ok := r.statFile(pkt, dir, rel+ext); ok {
			return res, true
		}
	}

	if isDir, exists := r.FS.Stat(filepath.Join(dir, rel)); exists && isDir {
		pkt.RecordFolder(filepath.ToSlash(rel))
		for _, ext := range exts {
			if res, ok := r.statFile(pkt, dir, filepath.Join(rel, "index"+ext)); ok {
				return res, true
			}
		}
	}

	return Result{}, false
}

func (r *Resolver) statFile(pkt Locator, dir, rel string) (Result, bool) {
	full := filepath.Join(dir, rel)
	isDir, exists := r.FS.Stat(full)
	if !exists || isDir {
		return Result{}, false
	}

	res := Result{Packet: pkt, Rel: filepath.ToSlash(rel), Path: full}
	if actual, differs := r.FS.ActualCase(filepath.Dir(full), filepath.Base(full)); differs {
		res.Warning = fmt.Sprintf("case mismatch: requested %q, found %q on disk", filepath.Base(full), actual)
	}
	return res, true
}
