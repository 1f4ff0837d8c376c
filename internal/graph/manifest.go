package graph

import (
	"encoding/json"
	"os"

	"github.com/SmartOrange/porter/internal/resolve"
)

// rawManifest mirrors the subset of package.json Porter reads. The browser
// field is read twice, once as a bool map and once as a string map, since
// npm packages use both "browser": false-per-entry and "browser": "path"
// shapes interchangeably.
type rawManifest struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Main            string          `json:"main"`
	Module          string          `json:"module"`
	Dependencies    map[string]string `json:"dependencies"`
	Browser         json.RawMessage `json:"browser"`
	Porter          *porterManifest `json:"porter"`
}

type porterManifest struct {
	Alias            map[string]string `json:"alias"`
	TranspileInclude []string          `json:"transpileInclude"`
	BundleExclude    []string          `json:"bundleExclude"`
}

// Manifest is the parsed, Porter-relevant subset of a Packet's manifest
// file (package.json, by npm convention).
type Manifest struct {
	Name             string
	Version          string
	Main             string
	Browser          map[string]resolve.BrowserTarget
	Dependencies     map[string]string
	Alias            map[string]string
	TranspileInclude []string
	BundleExclude    []string
}

// ParseManifest reads and decodes the manifest at path. A missing or
// malformed manifest is not an error: Porter treats such a Packet as a bare
// directory with no declared entry point or dependencies, consistent with
// the Matcher and Resolver's best-effort philosophy elsewhere.
func ParseManifest(path string) Manifest {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}
	}

	m := Manifest{
		Name:         raw.Name,
		Version:      raw.Version,
		Main:         raw.Main,
		Dependencies: raw.Dependencies,
	}
	if m.Main == "" {
		m.Main = raw.Module
	}
	m.Browser = parseBrowserField(raw.Browser)

	if raw.Porter != nil {
		m.Alias = raw.Porter.Alias
		m.TranspileInclude = raw.Porter.TranspileInclude
		m.BundleExclude = raw.Porter.BundleExclude
	}
	return m
}

// parseBrowserField accepts both the single-string override shape
// ("browser": "client.js") and the per-specifier override map shape
// ("browser": {"./server.js": false, "fs": false}).
func parseBrowserField(raw json.RawMessage) map[string]resolve.BrowserTarget {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return map[string]resolve.BrowserTarget{"./index": {Path: asString}}
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil
	}

	out := make(map[string]resolve.BrowserTarget, len(asMap))
	for key, val := range asMap {
		var flag bool
		if err := json.Unmarshal(val, &flag); err == nil {
			if !flag {
				out[key] = resolve.BrowserTarget{Disabled: true}
			}
			continue
		}
		var target string
		if err := json.Unmarshal(val, &target); err == nil {
			out[key] = resolve.BrowserTarget{Path: target}
		}
	}
	return out
}
