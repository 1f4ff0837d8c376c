package graph

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/SmartOrange/porter/internal/resolve"
	"github.com/SmartOrange/porter/internal/transpile"
)

// Packet is a project root or a resolved name@version dependency node on
// disk: one directory, one manifest, and the Modules discovered inside it.
type Packet struct {
	Manifest Manifest

	dir      string
	isRoot   bool
	entryID  string
	ancestor *Packet

	mu      sync.Mutex
	files   map[string]*Module
	folders map[string]bool
	deps    map[string]*Packet

	// packets and lockTable are only populated on the root Packet: every
	// dependency lookup anywhere in the tree routes through root() so a
	// given name always resolves to the same *Packet instance, the way a
	// flattened node_modules install would.
	packets   map[string]*Packet
	lockTable map[string]string

	transpiler       transpile.Transpiler
	transpileOpts    transpile.Options
	transpileEnabled bool
}

// NewRoot constructs the project root Packet rooted at dir.
func NewRoot(dir string, manifest Manifest) *Packet {
	p := &Packet{
		Manifest: manifest,
		dir:      dir,
		isRoot:   true,
		files:    map[string]*Module{},
		folders:  map[string]bool{},
		packets:  map[string]*Packet{},
	}
	p.packets[dir] = p
	p.Prepare()
	return p
}

// Prepare fixes this Packet's transpiler and its options for the lifetime of
// the graph: every Module discovered under this Packet transpiles with the
// same backend and options, decided once from its manifest and nearby
// config files rather than per file.
//
// The root Packet's backend follows the marker criteria DetectOptions
// scans for (tsconfig.json, a babel config variant, or any .ts/.tsx/.jsx
// source file anywhere in its tree, per spec.md §4.7): no marker means the
// project is plain JS and gets the passthrough transpiler. A dependency
// Packet ignores its own markers entirely and instead follows
// Manifest.TranspileInclude (spec.md §4.3): most published packages ship
// already-compiled JS with no tsconfig of their own, yet some need
// down-leveling to the root's target despite having no markers, so
// inclusion alone decides it.
func (p *Packet) Prepare() {
	opts, hasMarkers := transpile.DetectOptions(p.dir)
	p.transpileOpts = opts
	if p.isRoot {
		p.transpileEnabled = hasMarkers
	} else {
		p.transpileEnabled = p.includedByRoot()
	}
	p.transpiler = transpile.Select(p.transpileEnabled)
}

func (p *Packet) includedByRoot() bool {
	root := p.root()
	for _, name := range root.Manifest.TranspileInclude {
		if name == p.Manifest.Name {
			return true
		}
	}
	return false
}

// SetEntry records rel (relative to Dir) as this Packet's designated entry
// point Module, once it has been parsed.
func (p *Packet) SetEntry(rel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entryID = rel
}

// IsRoot reports whether p is the project root Packet.
func (p *Packet) IsRoot() bool { return p.isRoot }

// Module returns the already-parsed Module at rel (relative to Dir), if
// any. Bundling reads through this instead of reaching into Packet's
// private state, so the Bundler never needs to trigger a parse itself.
func (p *Packet) Module(rel string) (*Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.files[rel]
	return m, ok
}

// Isolated reports whether p forms its own bundle boundary: a root-entry
// bundle never inlines an isolated dependency Packet's Modules, per
// spec.md §4.5. Named via the root Packet's bundle-exclude list rather
// than cached on Prepare, since the list only ever grows at startup and a
// live lookup keeps Isolated consistent with it without a second place to
// invalidate.
func (p *Packet) Isolated() bool {
	if p.isRoot {
		return false
	}
	root := p.root()
	for _, name := range root.Manifest.BundleExclude {
		if name == p.Manifest.Name {
			return true
		}
	}
	return false
}

// Name identifies the Packet by its manifest name, the root Packet
// included.
func (p *Packet) Name() string { return p.Manifest.Name }

// Version is the Packet's manifest version, the root Packet included.
func (p *Packet) Version() string { return p.Manifest.Version }

// --- resolve.Locator ---

func (p *Packet) Dir() string { return p.dir }

func (p *Packet) BrowserField() map[string]resolve.BrowserTarget { return p.Manifest.Browser }

func (p *Packet) RecordFolder(rel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.folders == nil {
		p.folders = map[string]bool{}
	}
	p.folders[rel] = true
}

func (p *Packet) Ancestor() (resolve.Locator, bool) {
	if p.ancestor == nil {
		return nil, false
	}
	return p.ancestor, true
}

// Dependency returns the Packet providing name, lazily discovering it from
// an on-disk node_modules/<name> directory on first use and reusing that
// same instance for every later lookup of name anywhere in the tree, via
// the root Packet's lock table.
func (p *Packet) Dependency(name string) (resolve.Locator, bool) {
	root := p.root()

	root.mu.Lock()
	if dep, ok := root.lockTable[name]; ok {
		pkt := root.packets[dep]
		root.mu.Unlock()
		if pkt != nil {
			return pkt, true
		}
		return nil, false
	}
	root.mu.Unlock()

	depDir := filepath.Join(p.dir, "node_modules", name)
	info, err := os.Stat(depDir)
	if err != nil || !info.IsDir() {
		return nil, false
	}

	dep := root.loadPacket(depDir, p)

	root.mu.Lock()
	if root.lockTable == nil {
		root.lockTable = map[string]string{}
	}
	root.lockTable[name] = depDir
	root.mu.Unlock()

	return dep, true
}

func (p *Packet) Main() string { return p.Manifest.Main }

// LockEntry is one row of the flattened (name, version) dispatch table
// shipped to the client loader, so it can resolve a bare require at
// runtime without walking the server-side Packet forest itself.
type LockEntry struct {
	Name    string
	Version string
}

// Lock returns the root Packet's flattened lock table: one entry per
// distinct dependency name resolved anywhere in the forest, naming the
// (name, version) pair every resolution of that name was routed to.
func (p *Packet) Lock() []LockEntry {
	root := p.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	entries := make([]LockEntry, 0, len(root.lockTable))
	for name, dir := range root.lockTable {
		if pkt, ok := root.packets[dir]; ok {
			entries = append(entries, LockEntry{Name: name, Version: pkt.Manifest.Version})
		}
	}
	return entries
}

// FindDependency returns the already-resolved dependency Packet matching
// (name, version), for the versioned dependency URL contract
// ("<name>/<version>/<path>"). It only ever finds a Packet some Module has
// already required into existence; it never probes node_modules itself, so
// an unreferenced version in a URL correctly reports ok == false.
func (p *Packet) FindDependency(name, version string) (*Packet, bool) {
	root := p.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	for _, pkt := range root.packets {
		if pkt.Manifest.Name == name && pkt.Manifest.Version == version {
			return pkt, true
		}
	}
	return nil, false
}

// root walks the ancestor chain to the project root Packet, which alone
// carries the lock table and the packet registry.
func (p *Packet) root() *Packet {
	cur := p
	for cur.ancestor != nil {
		cur = cur.ancestor
	}
	return cur
}

// loadPacket returns the Packet rooted at dir, constructing and registering
// it on first use. Must be called on the root Packet.
func (root *Packet) loadPacket(dir string, ancestor *Packet) *Packet {
	root.mu.Lock()
	if existing, ok := root.packets[dir]; ok {
		root.mu.Unlock()
		return existing
	}
	root.mu.Unlock()

	manifest := ParseManifest(filepath.Join(dir, "package.json"))
	pkt := &Packet{
		Manifest: manifest,
		dir:      dir,
		ancestor: ancestor,
		files:    map[string]*Module{},
		folders:  map[string]bool{},
	}
	pkt.Prepare()

	root.mu.Lock()
	root.packets[dir] = pkt
	root.mu.Unlock()
	return pkt
}
