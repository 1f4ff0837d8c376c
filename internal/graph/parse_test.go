package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SmartOrange/porter/internal/cache"
	"github.com/SmartOrange/porter/internal/resolve"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	c := cache.New(filepath.Join(dir, "cache"), filepath.Join(dir, "dest"), nil)
	r := resolve.New(resolve.OSFileSystem{}, nil)
	return NewEnv(r, c, zerolog.Nop())
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestParseFile_DiscoversChildren(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `require("./util");`)
	writeFile(t, dir, "util.js", `module.exports = 1;`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mod.Children, 1)
	assert.Equal(t, "util.js", mod.Children[0].ID)
	assert.True(t, mod.IsRootEntry())
}

func TestParseFile_CyclicRequireTerminates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", `require("./b");`)
	writeFile(t, dir, "b.js", `require("./a");`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "a"})
	env := newTestEnv(t)

	done := make(chan struct{})
	var mod *Module
	var err error
	go func() {
		mod, err = root.ParseEntry(context.Background(), env)
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutChan(t, 5):
		t.Fatal("cyclic require did not terminate within 5s")
	}

	require.NoError(t, err)
	require.Len(t, mod.Children, 1)
	b := mod.Children[0]
	require.Len(t, b.Children, 1)
	// b's child resolves back to the same *Module as the entry, not a copy.
	assert.Same(t, mod, b.Children[0])
}

func TestParseFile_SecondVisitReturnsSameModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `require("./shared"); require("./other");`)
	writeFile(t, dir, "other.js", `require("./shared");`)
	writeFile(t, dir, "shared.js", `module.exports = {};`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mod.Children, 2)

	sharedViaIndex := mod.Children[0]
	other := mod.Children[1]
	require.Len(t, other.Children, 1)
	sharedViaOther := other.Children[0]

	assert.Same(t, sharedViaIndex, sharedViaOther)
}

func TestParseFile_UnresolvedSpecifierBecomesFakeModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `require("totally-missing-package");`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mod.Children, 1)
	fake := mod.Children[0]
	assert.True(t, fake.Fake)
	assert.Equal(t, "totally-missing-package", fake.ID)
}

func TestParseFile_BrowserFieldFalseBecomesDisabledModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `require("./server-only");`)
	writeFile(t, dir, "server-only.js", `module.exports = require("fs");`)
	writeFile(t, dir, "package.json", `{
		"name": "app", "version": "0.0.0", "main": "index",
		"browser": {"./server-only": false}
	}`)

	manifest := ParseManifest(filepath.Join(dir, "package.json"))
	root := NewRoot(dir, manifest)
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mod.Children, 1)
	disabled := mod.Children[0]
	assert.True(t, disabled.Disabled)
	assert.Same(t, disabled.Packet, root)
}

func TestParseFile_DependencyPacketDiscoveredFromNodeModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `require("leftpad");`)
	writeFile(t, dir, "node_modules/leftpad/index.js", `module.exports = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.0.0","main":"index"}`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, mod.Children, 1)
	dep := mod.Children[0]
	require.NotNil(t, dep.Packet)
	assert.Equal(t, "leftpad", dep.Packet.Name())
	assert.Equal(t, "index.js", dep.ID)
}

func TestPacket_DependencyReusesSameInstanceAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "node_modules/leftpad/index.js", `module.exports = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"1.0.0","main":"index"}`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0"})

	first, ok := root.Dependency("leftpad")
	require.True(t, ok)
	second, ok := root.Dependency("leftpad")
	require.True(t, ok)
	assert.Same(t, first, second)
}

func TestPacket_PrepareTranspilesDependencyOnlyWhenIncluded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "node_modules/plain/index.js", `module.exports = 1;`)
	writeFile(t, dir, "node_modules/plain/package.json", `{"name":"plain","version":"1.0.0","main":"index"}`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", TranspileInclude: []string{"plain"}})

	dep, ok := root.Dependency("plain")
	require.True(t, ok)
	depPkt := dep.(*Packet)
	assert.True(t, depPkt.transpileEnabled)
}

func TestPacket_PrepareRootTranspilesWhenTSConfigPresent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tsconfig.json", `{"compilerOptions":{}}`)
	writeFile(t, dir, "index.ts", `export const x = 1;`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	assert.True(t, root.transpileEnabled)
}

func TestPacket_PrepareRootTranspilesWhenTSXSourcePresentWithNoConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.tsx", `export const x = 1;`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	assert.True(t, root.transpileEnabled)
}

func TestPacket_PrepareRootPassesThroughWithNoMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `module.exports = 1;`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	assert.False(t, root.transpileEnabled)
}

func TestPacket_Reload_RefreshesModuleInPlace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", `module.exports = "v1";`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0", Main: "index"})
	env := newTestEnv(t)

	mod, err := root.ParseEntry(context.Background(), env)
	require.NoError(t, err)
	first := string(mod.Code)

	writeFile(t, dir, "index.js", `module.exports = "v2-with-more-content";`)
	same, ok, err := root.Reload(context.Background(), env, "index.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, mod, same)
	assert.NotEqual(t, first, string(mod.Code))
}

func TestPacket_Lock_ReflectsResolvedDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "node_modules/leftpad/index.js", `module.exports = function(){};`)
	writeFile(t, dir, "node_modules/leftpad/package.json", `{"name":"leftpad","version":"2.1.0","main":"index"}`)

	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0"})
	_, ok := root.Dependency("leftpad")
	require.True(t, ok)

	lock := root.Lock()
	require.Len(t, lock, 1)
	assert.Equal(t, "leftpad", lock[0].Name)
	assert.Equal(t, "2.1.0", lock[0].Version)
}

func TestPacket_Reload_UnknownPathIsNoop(t *testing.T) {
	dir := t.TempDir()
	root := NewRoot(dir, Manifest{Name: "app", Version: "0.0.0"})
	env := newTestEnv(t)

	mod, ok, err := root.Reload(context.Background(), env, "never-parsed.js")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, mod)
}

func timeoutChan(t *testing.T, seconds int) <-chan struct{} {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		time.Sleep(time.Duration(seconds) * time.Second)
		close(ch)
	}()
	return ch
}
