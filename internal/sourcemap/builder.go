// Package sourcemap builds a merged V3 source map for a Bundle out of the
// per-Module maps (or bare source paths) contributed by each chunk of
// concatenated code, decoding existing maps with go-sourcemap/sourcemap
// and re-emitting them shifted to the merged document's coordinates.
package sourcemap

import (
	"encoding/json"
	"strings"

	gosourcemap "github.com/go-sourcemap/sourcemap"
)

// V3 is a source map v3 document restricted to what a Bundle ever emits:
// one mappings string against one flat sources/names table, no index
// maps or embedded sections.
type V3 struct {
	Version    int      `json:"version"`
	File       string   `json:"file,omitempty"`
	SourceRoot string   `json:"sourceRoot,omitempty"`
	Sources    []string `json:"sources"`
	Names      []string `json:"names"`
	Mappings   string   `json:"mappings"`
}

// Builder accumulates chunks of generated code and produces one merged
// V3 map rooted at the Bundle's generated line 0. Granularity is one
// segment per generated line pointing at column 0 of the corresponding
// original line: Porter's Bundle concatenates whole Modules rather than
// interleaving individual statements, so line-level fidelity is enough to
// resolve a stack trace or a breakpoint back to the right source file.
type Builder struct {
	sources   []string
	sourceIdx map[string]int
	lines     []lineMapping
}

type lineMapping struct {
	hasSource   bool
	sourceIndex int
	sourceLine  int
}

// NewBuilder constructs an empty Builder.
func NewBuilder() *Builder {
	return &Builder{sourceIdx: map[string]int{}}
}

// AddChunk records mappings for one generated chunk of lineCount lines.
// If rawMap is non-empty, it is decoded and each generated line's
// original (source, line) is looked up through it; otherwise each
// generated line i maps identically to sourcePath line i.
func (b *Builder) AddChunk(sourcePath string, lineCount int, rawMap []byte) {
	if lineCount <= 0 {
		return
	}

	idx := b.sourceIndex(sourcePath)

	var consumer *gosourcemap.Consumer
	if len(rawMap) > 0 {
		if c, err := gosourcemap.Parse(sourcePath, rawMap); err == nil {
			consumer = c
		}
	}

	for i := 0; i < lineCount; i++ {
		if consumer == nil {
			b.lines = append(b.lines, lineMapping{hasSource: true, sourceIndex: idx, sourceLine: i})
			continue
		}
		// the consumer numbers lines from 1; Builder lines are 0-based.
		origSource, _, origLine, _, ok := consumer.Source(i+1, 0)
		if !ok {
			b.lines = append(b.lines, lineMapping{hasSource: true, sourceIndex: idx, sourceLine: i})
			continue
		}
		origIdx := idx
		if origSource != "" && origSource != sourcePath {
			origIdx = b.sourceIndex(origSource)
		}
		b.lines = append(b.lines, lineMapping{hasSource: true, sourceIndex: origIdx, sourceLine: origLine - 1})
	}
}

// AddOpaqueLines records lineCount generated lines with no source
// attribution at all, for injected boilerplate like the loader prelude or
// the lock snapshot that doesn't correspond to any Module.
func (b *Builder) AddOpaqueLines(lineCount int) {
	for i := 0; i < lineCount; i++ {
		b.lines = append(b.lines, lineMapping{})
	}
}

func (b *Builder) sourceIndex(path string) int {
	if idx, ok := b.sourceIdx[path]; ok {
		return idx
	}
	idx := len(b.sources)
	b.sources = append(b.sources, path)
	b.sourceIdx[path] = idx
	return idx
}

// Build serializes the accumulated lines into a V3 document.
func (b *Builder) Build(file, sourceRoot string) V3 {
	var out strings.Builder
	prevSource, prevLine := 0, 0

	for i, l := range b.lines {
		if i > 0 {
			out.WriteByte(';')
		}
		if !l.hasSource {
			continue
		}
		// one segment per line: generated column 0, source index delta,
		// original line delta, original column 0 (always 0, never
		// emitted as a delta since every segment starts at column 0).
		encodeVLQ(&out, 0)
		encodeVLQ(&out, l.sourceIndex-prevSource)
		encodeVLQ(&out, l.sourceLine-prevLine)
		encodeVLQ(&out, 0)
		prevSource, prevLine = l.sourceIndex, l.sourceLine
	}

	return V3{
		Version:    3,
		File:       file,
		SourceRoot: sourceRoot,
		Sources:    b.sources,
		Names:      []string{},
		Mappings:   out.String(),
	}
}

// Marshal renders v as the raw JSON bytes a Bundle serves at its `.map`
// sibling path.
func Marshal(v V3) ([]byte, error) {
	return json.Marshal(v)
}
