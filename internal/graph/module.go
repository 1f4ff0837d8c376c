// Package graph builds and maintains the Packet/Module dependency graph:
// Packet is a project root or a name@version dependency node on disk,
// Module is one source file inside a Packet, resolved and (optionally)
// transpiled via the resolve and transpile packages.
package graph

import (
	"path"
	"strings"
	"time"
)

// Module is one source file, resolved and parsed within its owning
// Packet.
type Module struct {
	// ID is the Module's path relative to Packet.Dir(), slash-separated.
	// For Fake modules it is the raw specifier that failed to resolve.
	ID string
	// Packet is the owning Packet. Nil only for a Fake module with no
	// known owner.
	Packet *Packet
	// Path is the absolute source file path. Empty for Fake and Disabled
	// placeholders.
	Path string
	// Ext is the resolved file extension, used by the bundler's format
	// checks.
	Ext string
	// ModTime is Path's modification time as of the last (re)parse, zero
	// for Fake and Disabled placeholders. The asset endpoint's
	// Last-Modified header is derived from this (spec.md §6).
	ModTime time.Time

	Code []byte
	Map  []byte

	Children []*Module

	// Fake marks an unresolved specifier's placeholder: the graph stays
	// connected even though no file backs this node.
	Fake bool
	// Disabled marks a browser-field-false placeholder: an intentionally
	// empty module with no dependencies.
	Disabled bool
	// Preload marks a module reachable only through an explicit preload
	// list, exempting it from the owning Packet's normal scope rules
	// during bundling.
	Preload bool
	// Worker marks a module that is the entry point of a web worker.
	Worker bool
	// Isolated marks a module that must never be emitted inline into a
	// bundle (e.g. wasm); it is only ever referenced by URL.
	Isolated bool

	// Warning carries a non-fatal resolution warning (e.g. a case
	// mismatch) surfaced when this Module was resolved as someone else's
	// child.
	Warning string
}

// IsRootEntry reports whether mod is its owning Packet's designated entry
// point.
func (m *Module) IsRootEntry() bool {
	return m.Packet != nil && m.Packet.isRoot && m.Packet.entryID == m.ID
}

// CanonicalID is the Module's dependency-graph identifier: ID with its
// on-disk extension collapsed to the canonical ".js" or ".css" suffix,
// regardless of whether the source file was .ts, .tsx, .jsx, .json, or
// .less. This is the id a Bundle's define() wrapper and a client loader
// ever see; the real extension only matters for reading the file and
// picking a Loader.
func (m *Module) CanonicalID() string {
	return canonicalID(m.ID)
}

// CanonicalExt is the extension component of CanonicalID, always ".js" or
// ".css" for a real file.
func (m *Module) CanonicalExt() string {
	return path.Ext(canonicalID(m.ID))
}

func canonicalID(id string) string {
	ext := path.Ext(id)
	switch ext {
	case ".ts", ".tsx", ".jsx", ".json", ".mjs", ".cjs":
		return strings.TrimSuffix(id, ext) + ".js"
	case ".less":
		return strings.TrimSuffix(id, ext) + ".css"
	default:
		return id
	}
}
