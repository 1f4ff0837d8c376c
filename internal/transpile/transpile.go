// Package transpile converts one Module's raw source into deliverable code
// plus an optional source map, behind a single Transpiler interface so the
// graph package never depends on a specific compiler backend.
package transpile

import (
	"context"
	"errors"
	"fmt"
)

// Loader names the source dialect a Transpiler should interpret the input
// as. It mirrors the extension-rule search order in the resolver.
type Loader string

const (
	LoaderJS   Loader = "js"
	LoaderJSX  Loader = "jsx"
	LoaderTS   Loader = "ts"
	LoaderTSX  Loader = "tsx"
	LoaderJSON Loader = "json"
	LoaderCSS  Loader = "css"
	LoaderLess Loader = "less"
	LoaderText Loader = "text"
)

var (
	ErrUnsupportedLoader = errors.New("transpile: unsupported loader")
	ErrTranspileFailed   = errors.New("transpile: backend reported errors")
)

// Input is everything a Transpiler needs to produce Output for one Module.
type Input struct {
	// Path is the absolute source path, used for diagnostics and as the
	// source map's "sources" entry.
	Path string
	// Source is the raw file content.
	Source []byte
	Loader Loader
	// Minify requests whitespace/identifier/syntax minification.
	Minify bool
	// SourceMap requests an accompanying source map in Output.Map.
	SourceMap bool
	// Target is the lowest JS language level output must run on, e.g.
	// "es2017". Empty means the backend's default.
	Target string
}

// Output is the result of transpiling one Module.
type Output struct {
	Code []byte
	// Map holds a raw V3 source map JSON document, nil if none was
	// produced (e.g. SourceMap was false, or the loader has no concept of
	// one, as with JSON and passthrough).
	Map []byte
}

// Transpiler turns one Module's source into deliverable code.
// Implementations must be safe for concurrent use; internal/graph
// coalesces concurrent calls for the same (id, sourceHash) via singleflight
// but does not serialize distinct keys.
type Transpiler interface {
	Transpile(ctx context.Context, in Input) (Output, error)
}

// Options configures transpiler selection and defaults for one Packet, as
// detected from its manifest and nearby config files.
type Options struct {
	// Target is the JS language level passed to every Transpile call made
	// for this Packet's Modules.
	Target string
	// JSX selects the JSX transform mode: "transform" (classic
	// React.createElement) or "automatic" (the new JSX runtime).
	JSX string
	// TypeScript is true when a tsconfig.json was found, so .ts/.tsx files
	// get the TypeScript loader instead of being treated as plain JS.
	TypeScript bool
}

// DefaultOptions is used when no config file overrides anything.
func DefaultOptions() Options {
	return Options{Target: "es2017", JSX: "transform"}
}

// LoaderForExtension maps a resolved file extension to the Loader a
// Transpile call should use, honoring Options.TypeScript for ambiguous
// ".ts"/".tsx" files that a Packet has chosen not to treat as TypeScript.
func LoaderForExtension(ext string, opts Options) (Loader, bool) {
	switch ext {
	case ".js", ".mjs", ".cjs":
		return LoaderJS, true
	case ".jsx":
		return LoaderJSX, true
	case ".ts":
		if opts.TypeScript {
			return LoaderTS, true
		}
		return LoaderJS, true
	case ".tsx":
		if opts.TypeScript {
			return LoaderTSX, true
		}
		return LoaderJSX, true
	case ".json":
		return LoaderJSON, true
	case ".css":
		return LoaderCSS, true
	case ".less":
		return LoaderLess, true
	default:
		return LoaderText, true
	}
}

// Select returns the Transpiler a Packet should use for its Modules, given
// whether the Packet is configured to transpile at all. Non-transpiled
// Packets still run JSON through jsonTranspiler, since require()ing a
// ".json" file always needs the module.exports wrapper; everything else is
// passed through unchanged. Callers decide transpileEnabled from
// DetectOptions' marker result for the root Packet, or from
// Manifest.TranspileInclude for a dependency Packet (spec.md §4.3, §4.7).
func Select(transpileEnabled bool) Transpiler {
	if transpileEnabled {
		return Chain{JSON: NewJSON(), Fallback: NewESBuild()}
	}
	return Chain{JSON: NewJSON(), Fallback: Passthrough{}}
}

// Chain dispatches to JSON for LoaderJSON inputs and Fallback otherwise.
type Chain struct {
	JSON     Transpiler
	Fallback Transpiler
}

func (c Chain) Transpile(ctx context.Context, in Input) (Output, error) {
	if in.Loader == LoaderJSON {
		return c.JSON.Transpile(ctx, in)
	}
	return c.Fallback.Transpile(ctx, in)
}

func wrapBackendError(backend string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTranspileFailed, backend, err)
}
