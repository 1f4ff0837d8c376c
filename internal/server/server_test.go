package server

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/SmartOrange/porter/internal/config"
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

func newTestServer(t *testing.T, control bool) *Server {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"app","version":"0.0.0","main":"index"}`)
	writeFile(t, dir, "index.js", `exports.value = 1;`)

	cfg := &config.Config{
		Root:    dir,
		Paths:   []string{"."},
		Dest:    filepath.Join(dir, "public"),
		Server:  config.ServerConfig{Address: ":0", BodyLimit: 1 << 20, Control: control},
		Scaling: config.ScalingConfig{Backend: "local"},
	}
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	s, err := New(cfg, a, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestHandleAsset_ServesRootEntry(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/index.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "exports.value")
}

func TestHandleAsset_UnknownIDReturns404(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/does/not/exist.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHandleAsset_ConditionalRequestReturns304(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/index.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest("GET", "/index.js", nil)
	req2.Header.Set("If-None-Match", etag)
	resp2, err := s.App().Test(req2, -1)
	require.NoError(t, err)
	assert.Equal(t, 304, resp2.StatusCode)
}

func TestHandleAsset_SetsCacheControlMaxAgeZero(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/index.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "max-age=0", resp.Header.Get("Cache-Control"))
}

func TestHandleAsset_SetsLastModifiedFromSourceMtime(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/index.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	lastMod := resp.Header.Get("Last-Modified")
	require.NotEmpty(t, lastMod)
	_, err = time.Parse(time.RFC1123, lastMod)
	assert.NoError(t, err)
}

func TestHandleAsset_IfModifiedSinceReturns304(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/index.js", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	lastMod := resp.Header.Get("Last-Modified")
	require.NotEmpty(t, lastMod)

	req2 := httptest.NewRequest("GET", "/index.js", nil)
	req2.Header.Set("If-Modified-Since", lastMod)
	resp2, err := s.App().Test(req2, -1)
	require.NoError(t, err)
	assert.Equal(t, 304, resp2.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandleReady_NotReadyByDefault(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/ready", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestHandleReady_ReadyAfterMarkReady(t *testing.T) {
	s := newTestServer(t, false)
	s.MarkReady()

	req := httptest.NewRequest("GET", "/ready", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestControlEndpoints_DisabledByDefault(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("POST", "/_porter/invalidate", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	// no POST route exists; the GET catch-all asset route matches the path,
	// so Fiber answers 405 rather than 404.
	assert.Equal(t, 405, resp.StatusCode)
}

func TestHandleInvalidate_WhenControlEnabled(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest("POST", "/_porter/invalidate", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
}

func TestHandleBuild_WhenControlEnabled(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest("POST", "/_porter/build", strings.NewReader(`{"entry":"index.js"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandleBuild_RequiresEntry(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest("POST", "/_porter/build", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}
