package transpile

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// babelConfigNames lists the config file variants whose mere presence
// means a Packet wants JSX/TS handled, even though esbuild never reads
// babel plugins itself: their presence is a project-intent signal, not a
// plugin pipeline Porter executes.
var babelConfigNames = []string{
	"babel.config.js",
	"babel.config.json",
	"babel.config.cjs",
	".babelrc",
	".babelrc.js",
	".babelrc.json",
}

type tsconfigFile struct {
	CompilerOptions struct {
		Target string `json:"target"`
		JSX    string `json:"jsx"`
	} `json:"compilerOptions"`
}

// sourceExtMarkers are the source file extensions whose mere presence
// anywhere under a Packet's directory tree is itself an esbuild-backend
// signal, even with no tsconfig.json or babel config in sight.
var sourceExtMarkers = map[string]bool{
	".ts":  true,
	".tsx": true,
	".jsx": true,
}

// DetectOptions inspects dir for a tsconfig.json, a babel config variant,
// or any .ts/.tsx/.jsx source file anywhere in its directory tree, and
// returns the Options a Packet rooted there should transpile with plus
// whether any such marker was found at all. It never fails: a missing or
// malformed config file just falls back to DefaultOptions with no marker.
func DetectOptions(dir string) (Options, bool) {
	opts := DefaultOptions()

	if cfg, ok := readTSConfig(filepath.Join(dir, "tsconfig.json")); ok {
		opts.TypeScript = true
		if cfg.CompilerOptions.Target != "" {
			opts.Target = cfg.CompilerOptions.Target
		}
		if cfg.CompilerOptions.JSX != "" {
			opts.JSX = normalizeJSXMode(cfg.CompilerOptions.JSX)
		}
		return opts, true
	}

	for _, name := range babelConfigNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return opts, true
		}
	}

	if hasTSOrJSXSource(dir) {
		return opts, true
	}

	return opts, false
}

// hasTSOrJSXSource walks dir looking for any file with a .ts/.tsx/.jsx
// extension, stopping at the first match. It skips node_modules: a nested
// dependency directory is its own Packet with its own marker scan, not
// part of this one.
func hasTSOrJSXSource(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExtMarkers[filepath.Ext(d.Name())] {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func readTSConfig(path string) (tsconfigFile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tsconfigFile{}, false
	}
	var cfg tsconfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return tsconfigFile{}, false
	}
	return cfg, true
}

func normalizeJSXMode(tsJSX string) string {
	switch tsJSX {
	case "react-jsx", "react-jsxdev":
		return "automatic"
	default:
		return "transform"
	}
}
