// Package loader embeds Porter's client-side runtime: the small define/
// require shim every root-entry bundle is prefixed with, per spec.md §6.
package loader

import _ "embed"

// Source is the client runtime loader's JavaScript, prepended to every
// root-entry bundle ahead of the lock snapshot and the bundled modules
// themselves.
//
// Generated from: internal/loader/loader.js, committed as plain source
// rather than built from a separate toolchain since the runtime is a
// single small file with no dependencies of its own.
//
//go:embed loader.js
var Source string
