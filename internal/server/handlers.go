package server

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/SmartOrange/porter/internal/app"
	"github.com/gofiber/fiber/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/fasthttp"
)

// handleAsset implements the "GET /<id>[?main]" contract: id is the
// wildcard tail of the request path, and the presence of the "main"
// query key (regardless of its value) marks a root-entry request.
// Cache-Control and If-Modified-Since handling are layered on top of this
// handler by the route's own middleware.CacheControl and
// middleware.LastModifiedMiddleware (see setupRoutes).
func (s *Server) handleAsset(c *fiber.Ctx) error {
	id := c.Params("*")
	opts := app.ReadOptions{Main: c.Context().QueryArgs().Has("main")}

	asset, err := s.porter.ReadAsset(c.Context(), id, opts)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			return c.Next()
		}
		return err
	}

	c.Set("ETag", asset.ETag)
	c.Set("Content-Type", asset.ContentType)
	if !asset.ModTime.IsZero() {
		c.Set("Last-Modified", asset.ModTime.UTC().Format(http.TimeFormat))
	}

	if match := c.Get("If-None-Match"); match != "" && match == asset.ETag {
		return c.SendStatus(fiber.StatusNotModified)
	}

	return c.Send(asset.Code)
}

// handleHealth reports basic process resource figures alongside liveness:
// open file descriptors matter here since this process holds one fsnotify
// watch per Packet and one Cache file handle per in-flight write, and a
// leak in either would show up as a slow climb in this number well before
// it starts failing requests.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if fds, err := proc.NumFDs(); err == nil {
			body["openFileDescriptors"] = fds
		}
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		body["memoryUsedPercent"] = vmStat.UsedPercent
	}

	return c.JSON(body)
}

func (s *Server) handleReady(c *fiber.Ctx) error {
	if !s.ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

type invalidateRequest struct {
	Except []string `json:"except"`
}

// handleInvalidate drops every in-memory Bundle and purges the on-disk
// cache, broadcasting the event to peer instances.
func (s *Server) handleInvalidate(c *fiber.Ctx) error {
	var req invalidateRequest
	_ = c.BodyParser(&req)

	err := s.porter.Invalidate(c.Context(), req.Except...)
	s.audit.LogInvalidate(c, strings.Join(req.Except, ","), err == nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type buildRequest struct {
	Entry string `json:"entry"`
	Main  bool   `json:"main"`
}

// handleBuild forces an immediate rebuild of a named entry's Bundle, for
// CI warm-up ahead of traffic.
func (s *Server) handleBuild(c *fiber.Ctx) error {
	var req buildRequest
	if err := c.BodyParser(&req); err != nil || req.Entry == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entry is required"})
	}

	asset, err := s.porter.ReadAsset(c.Context(), req.Entry, app.ReadOptions{Main: req.Main})
	s.audit.LogBuildTrigger(c, req.Entry, c.IP())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"entry":       req.Entry,
		"contentHash": asset.ContentHash,
		"etag":        asset.ETag,
		"bytes":       len(asset.Code),
	})
}

// handleReloadStream streams reload events (this instance's and any
// peer's) to a connected dev client as server-sent events.
func (s *Server) handleReloadStream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ctx := c.Context()
	events, err := s.porter.Subscribe(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		for {
			select {
			case msg, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}))
	return nil
}

func (s *Server) handleOverlay(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.SendString(overlayHTML)
}

const overlayHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>porter</title></head>
<body>
<h1>porter build status</h1>
<pre id="log"></pre>
<script>
var log = document.getElementById('log');
var src = new EventSource('/_porter/reload');
src.onmessage = function(e) {
  log.textContent += e.data + "\n";
};
</script>
</body>
</html>
`
