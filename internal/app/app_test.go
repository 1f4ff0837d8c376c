package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SmartOrange/porter/internal/config"
	"github.com/SmartOrange/porter/internal/graph"
	"github.com/SmartOrange/porter/internal/watch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestApp(t *testing.T, dir string) *App {
	t.Helper()
	cfg := &config.Config{
		Root:  dir,
		Paths: []string{"."},
		Dest:  filepath.Join(dir, "public"),
	}
	require.NoError(t, cfg.Validate())
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func newProjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"app","version":"0.0.0","main":"index"}`)
	writeFile(t, dir, "index.js", `var util = require("./util"); exports.value = util.value;`)
	writeFile(t, dir, "util.js", `exports.value = 1;`)
	writeFile(t, dir, "style.css", `body { color: red; }`)
	return dir
}

func TestReadAsset_RootEntryWithMainInjectsLoaderAndImport(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{Main: true})
	require.NoError(t, err)
	assert.Contains(t, string(asset.Code), "porter.import")
	assert.Contains(t, string(asset.Code), `define("index.js"`)
	assert.Equal(t, "application/javascript", asset.ContentType)
	assert.NotEmpty(t, asset.ETag)
}

func TestReadAsset_NonMainRequestOmitsLoader(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{Main: false})
	require.NoError(t, err)
	assert.NotContains(t, string(asset.Code), "porter.import")
}

func TestReadAsset_CSSEntryBundlesOnlyStyleModules(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "style.css", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "text/css", asset.ContentType)
	assert.Contains(t, string(asset.Code), "color:red")
}

func TestReadAsset_LoaderJS(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "loader.js", ReadOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(asset.Code), "porter.import")
	assert.Contains(t, string(asset.Code), "porter.define")
}

func TestReadAsset_LoaderConfigJSONReflectsLock(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "node_modules/leftpad/index.js", `module.exports = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.2.3","main":"index"}`)
	writeFile(t, dir, "index.js", `require("leftpad");`)
	a := newTestApp(t, dir)

	_, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{})
	require.NoError(t, err)

	asset, err := a.ReadAsset(context.Background(), "loaderConfig.json", ReadOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(asset.Code), `"leftpad":"1.2.3"`)
}

func TestReadAsset_VersionedDependencyPath(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "node_modules/leftpad/index.js", `exports.pad = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.2.3","main":"index"}`)
	writeFile(t, dir, "index.js", `require("leftpad");`)
	a := newTestApp(t, dir)

	_, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{})
	require.NoError(t, err)

	asset, err := a.ReadAsset(context.Background(), "leftpad/1.2.3/index.js", ReadOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(asset.Code), ".pad=function")
}

func TestReadAsset_UnknownVersionedDependencyIsNotFound(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	_, err := a.ReadAsset(context.Background(), "nope/9.9.9/index.js", ReadOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadAsset_MapSiblingResolvesToSameBundleMap(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, asset.ContentHash)

	mapID := "index." + asset.ContentHash + ".js.map"
	mapAsset, err := a.ReadAsset(context.Background(), mapID, ReadOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(mapAsset.Code), `"version"`)
}

func TestHandleChange_RebuildsAffectedBundle(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	first, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{})
	require.NoError(t, err)

	writeFile(t, dir, "util.js", `exports.value = 2; exports.extra = true;`)
	a.handleChange(context.Background(), []watch.Event{{Rel: "util.js"}})

	waitForRebuild(t, a, "index.js", first.Code)
}

func waitForRebuild(t *testing.T, a *App, id string, original []byte) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		asset, err := a.ReadAsset(context.Background(), id, ReadOptions{})
		require.NoError(t, err)
		if string(asset.Code) != string(original) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bundle was not rebuilt after dependency changed")
}

func TestParseEntries_DefaultsToManifestMain(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	mods, err := a.ParseEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].IsRootEntry())
}

func TestParseEntries_PreloadEntryIsMarkedAndReturned(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "widget.js", `exports.value = 2;`)
	a := newTestApp(t, dir)
	a.Config.Preload = []string{"widget.js"}

	mods, err := a.ParseEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 2)

	var preload, main *graph.Module
	for _, mod := range mods {
		if mod.ID == "widget.js" {
			preload = mod
		} else {
			main = mod
		}
	}
	require.NotNil(t, preload)
	require.NotNil(t, main)
	assert.True(t, preload.Preload)
	assert.False(t, preload.IsRootEntry())
	assert.False(t, main.Preload)
}

func TestParseEntries_PreloadDuplicatingAnEntryIsNotDuplicated(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)
	a.Config.Entries = []string{"index.js"}
	a.Config.Preload = []string{"index.js"}

	mods, err := a.ParseEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].Preload)
}

func TestBuild_WritesStandaloneArtifactForPreloadEntry(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "widget.js", `exports.value = 2;`)
	a := newTestApp(t, dir)
	a.Config.Preload = []string{"widget.js"}

	require.NoError(t, a.Build(context.Background()))

	widgetOut, err := filepath.Glob(filepath.Join(dir, "public", "widget.*.js"))
	require.NoError(t, err)
	require.Len(t, widgetOut, 1)
	out, err := os.ReadFile(widgetOut[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), "2")

	rootOut, err := filepath.Glob(filepath.Join(dir, "public", "index.*.js"))
	require.NoError(t, err)
	require.Len(t, rootOut, 1)
	root, err := os.ReadFile(rootOut[0])
	require.NoError(t, err)
	assert.NotContains(t, string(root), "exports.value = 2")
}

func TestReadAsset_TrimsLeadingSlash(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	asset, err := a.ReadAsset(context.Background(), "/index.js", ReadOptions{})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(asset.Code), "util.js"))
}

func TestReadAsset_RootEntryForcesPackOfReachableDependency(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "node_modules/leftpad/index.js", `exports.pad = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.0.0","main":"index"}`)
	writeFile(t, dir, "index.js", `require("leftpad");`)
	a := newTestApp(t, dir)

	_, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{Main: true})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "public", "leftpad", "1.0.0", "index.*.js"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "reachable dependency Packet was not packed to disk")
}

func TestReadAsset_ConcurrentRootRequestsPackReachableDependencyWithoutError(t *testing.T) {
	dir := newProjectDir(t)
	writeFile(t, dir, "node_modules/leftpad/index.js", `exports.pad = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.0.0","main":"index"}`)
	writeFile(t, dir, "index.js", `require("leftpad");`)
	a := newTestApp(t, dir)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.ReadAsset(context.Background(), "index.js", ReadOptions{Main: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

// TestReadAsset_ConcurrentCSSAndJSRequestsBothSucceed mirrors the
// "simultaneous CSS and JS root-entry requests" scenario: both must
// succeed and produce their expected bodies even though they may race
// the same Packet's pack.
func TestReadAsset_ConcurrentCSSAndJSRequestsBothSucceed(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	type outcome struct {
		id   string
		code string
		err  error
	}
	results := make(chan outcome, 2)

	var wg sync.WaitGroup
	for _, id := range []string{"style.css", "index.js"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			asset, err := a.ReadAsset(context.Background(), id, ReadOptions{Main: id == "index.js"})
			results <- outcome{id: id, code: string(asset.Code), err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	for r := range results {
		require.NoError(t, r.err)
		switch r.id {
		case "style.css":
			assert.Contains(t, r.code, "color:red")
		case "index.js":
			assert.Contains(t, r.code, `define("index.js"`)
			assert.Contains(t, r.code, `define("util.js"`)
		}
	}
}

func TestStartWatch_StopsWhenContextCancelled(t *testing.T) {
	dir := newProjectDir(t)
	a := newTestApp(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.StartWatch(ctx)
	assert.NoError(t, err)
}
