package middleware

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/memory/v2"
)

// rateLimitRecorder is the subset of observability.Metrics the rate
// limiter middleware needs. Declared locally to avoid an import cycle
// between middleware and observability.
type rateLimitRecorder interface {
	RecordRateLimitHit(identifier string)
}

var rateLimiterMetrics rateLimitRecorder

// SetRateLimiterMetrics wires a metrics recorder so that every limiter
// created by NewRateLimiter reports hits under its own name. Passing
// nil disables recording.
func SetRateLimiterMetrics(m rateLimitRecorder) {
	rateLimiterMetrics = m
}

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	Name       string                  // label used for metrics and logging
	Max        int                     // maximum number of requests
	Expiration time.Duration           // time window for the rate limit
	KeyFunc    func(*fiber.Ctx) string // function to generate the key for rate limiting
	Message    string                  // custom error message
}

// NewRateLimiter creates a new rate limiter middleware with custom
// configuration. Storage is in-memory; instances sharing a Redis
// scaling backend still rate-limit locally, since bursts matter per
// edge rather than in aggregate.
func NewRateLimiter(config RateLimiterConfig) fiber.Handler {
	storage := memory.New(memory.Config{
		GCInterval: 10 * time.Minute,
	})

	if config.KeyFunc == nil {
		config.KeyFunc = func(c *fiber.Ctx) string {
			return c.IP()
		}
	}

	if config.Message == "" {
		config.Message = fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s allowed.",
			config.Max, config.Expiration.String())
	}

	name := config.Name
	if name == "" {
		name = "unnamed"
	}

	return limiter.New(limiter.Config{
		Max:          config.Max,
		Expiration:   config.Expiration,
		KeyGenerator: config.KeyFunc,
		LimitReached: func(c *fiber.Ctx) error {
			if rateLimiterMetrics != nil {
				rateLimiterMetrics.RecordRateLimitHit(name)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "RATE_LIMIT_EXCEEDED",
				"message":     config.Message,
				"retry_after": int(config.Expiration.Seconds()),
			})
		},
		Storage: storage,
	})
}

// AssetRequestLimiter is the general-purpose per-IP limiter applied to
// GET /<id> asset requests.
func AssetRequestLimiter() fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "asset_request",
		Max:        600,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "asset:" + c.IP()
		},
		Message: "Asset request rate limit exceeded. Maximum 600 requests per minute allowed.",
	})
}

// InvalidateLimiter limits calls to the cache invalidation webhook per
// source IP, since a misconfigured caller hammering it would otherwise
// thrash every cached module.
func InvalidateLimiter() fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "invalidate",
		Max:        30,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "invalidate:" + c.IP()
		},
		Message: "Too many invalidation requests. Please try again in a minute.",
	})
}

// BuildTriggerLimiter limits calls to the manual dev-build trigger.
// Requests carrying a trusted operator role bypass the limit entirely,
// since deploy automation is expected to call this endpoint in bursts.
func BuildTriggerLimiter() fiber.Handler {
	inner := NewRateLimiter(RateLimiterConfig{
		Name:       "build_trigger",
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "build:" + c.IP()
		},
		Message: "Too many build triggers. Please try again in a minute.",
	})

	return func(c *fiber.Ctx) error {
		if role, ok := c.Locals("porter_role").(string); ok && role == "operator" {
			return c.Next()
		}
		return inner(c)
	}
}

// ReloadStreamLimiter limits how many live-reload stream connections a
// single IP may open per window, so one misbehaving client can't starve
// the fsnotify broadcast of goroutines.
func ReloadStreamLimiter() fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "reload_stream",
		Max:        20,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "reload:" + c.IP()
		},
		Message: "Too many reload stream connections. Please try again in a minute.",
	})
}

// SourceWebhookLimiter limits inbound source-control webhook calls used
// to trigger a resolve-and-rebuild outside of fsnotify (e.g. a deploy
// hook in an environment where the source tree is not locally watched).
func SourceWebhookLimiter() fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "source_webhook",
		Max:        60,
		Expiration: 1 * time.Minute,
		KeyFunc: func(c *fiber.Ctx) string {
			return "webhook:" + c.IP()
		},
		Message: "Too many webhook calls. Please try again in a minute.",
	})
}

// ClientLimiter builds a limiter keyed by the caller's client id, set in
// Fiber locals by upstream auth/identification middleware, falling back
// to the request IP when no client id is present.
func ClientLimiter(max int, expiration time.Duration) fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "client",
		Max:        max,
		Expiration: expiration,
		KeyFunc: func(c *fiber.Ctx) string {
			if id, ok := c.Locals("client_id").(string); ok && id != "" {
				return "client:" + id
			}
			return "client:" + c.IP()
		},
		Message: "Client rate limit exceeded. Please slow down.",
	})
}

// DefaultClientLimiter applies ClientLimiter with a sane default budget.
func DefaultClientLimiter() fiber.Handler {
	return ClientLimiter(300, time.Minute)
}

// PerClientOrIPLimiter differentiates three tiers of caller: anonymous
// requests keyed by IP, identified clients keyed by client id, and
// trusted operators (Locals("porter_role") == "operator") who get the
// highest budget. It is meant for endpoints reachable both by anonymous
// browsers and by authenticated build tooling.
func PerClientOrIPLimiter(anonMax, clientMax, operatorMax int, expiration time.Duration) fiber.Handler {
	anon := NewRateLimiter(RateLimiterConfig{
		Name:       "per_client_anon",
		Max:        anonMax,
		Expiration: expiration,
		KeyFunc: func(c *fiber.Ctx) string {
			return "anon:" + c.IP()
		},
	})
	client := NewRateLimiter(RateLimiterConfig{
		Name:       "per_client_identified",
		Max:        clientMax,
		Expiration: expiration,
		KeyFunc: func(c *fiber.Ctx) string {
			id, _ := c.Locals("client_id").(string)
			return "client:" + id
		},
	})
	operator := NewRateLimiter(RateLimiterConfig{
		Name:       "per_client_operator",
		Max:        operatorMax,
		Expiration: expiration,
		KeyFunc: func(c *fiber.Ctx) string {
			id, _ := c.Locals("client_id").(string)
			return "operator:" + id
		},
	})

	return func(c *fiber.Ctx) error {
		if role, ok := c.Locals("porter_role").(string); ok && role == "operator" {
			return operator(c)
		}
		if id, ok := c.Locals("client_id").(string); ok && id != "" {
			return client(c)
		}
		return anon(c)
	}
}

var (
	rateLimiterWarningMu        sync.Once
	rateLimiterWarningDisplayed bool
)

// logRateLimiterWarning warns once, on startup, when Porter appears to
// be running as more than one instance without a shared Redis scaling
// backend configured. Rate limiting in that setup is only ever
// per-instance, not per-fleet.
func logRateLimiterWarning() {
	rateLimiterWarningMu.Do(func() {
		if hasRedisBackend() {
			return
		}
		if !looksMultiInstance() {
			return
		}
		fmt.Fprintln(os.Stderr, "warning: rate limiting is per-instance; configure PORTER_SCALING_REDIS_URL to share limits across replicas")
		rateLimiterWarningDisplayed = true
	})
}

// IsRateLimiterWarningDisplayed reports whether logRateLimiterWarning
// has logged its warning since the process started (or since the last
// test reset).
func IsRateLimiterWarningDisplayed() bool {
	return rateLimiterWarningDisplayed
}

func hasRedisBackend() bool {
	return os.Getenv("PORTER_SCALING_REDIS_URL") != "" || os.Getenv("PORTER_REDIS_URL") != ""
}

func looksMultiInstance() bool {
	indicators := []string{"KUBERNETES_SERVICE_HOST", "POD_NAME", "COMPOSE_PROJECT_NAME", "HOSTNAME"}
	for _, env := range indicators {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}
