package graph

import (
	"sync"

	"github.com/SmartOrange/porter/internal/cache"
	"github.com/SmartOrange/porter/internal/resolve"
	"github.com/rs/zerolog"
)

// Env bundles the shared services a Packet needs while parsing: the
// Resolver and Cache are stateless with respect to any one Packet, so one
// Env is constructed per App and threaded through every ParseFile call.
type Env struct {
	Resolver *resolve.Resolver
	Cache    *cache.Cache
	Logger   zerolog.Logger

	mu    sync.Mutex
	fakes map[string]*Module
}

// NewEnv constructs an Env. logger is typically a component-scoped child
// logger (e.g. log.With().Str("component", "graph").Logger()).
func NewEnv(r *resolve.Resolver, c *cache.Cache, logger zerolog.Logger) *Env {
	return &Env{Resolver: r, Cache: c, Logger: logger, fakes: map[string]*Module{}}
}

// fakeModule returns the shared placeholder Module for an unresolved
// specifier, so the same dangling import seen from two different parents
// collapses onto one graph node instead of two.
func (e *Env) fakeModule(spec string) *Module {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.fakes[spec]; ok {
		return m
	}
	m := &Module{ID: spec, Fake: true}
	e.fakes[spec] = m
	return m
}

// disabledModule returns the shared placeholder Module for a specifier the
// browser field mapped to false, scoped per Packet so two Packets
// disabling the same name don't share a node.
func (e *Env) disabledModule(pkt *Packet, spec string) *Module {
	id := "disabled:" + spec
	if pkt == nil {
		return &Module{ID: id, Disabled: true}
	}

	pkt.mu.Lock()
	defer pkt.mu.Unlock()
	if existing, ok := pkt.files[id]; ok {
		return existing
	}
	m := &Module{ID: id, Packet: pkt, Disabled: true}
	pkt.files[id] = m
	return m
}

func (e *Env) warn(fromPath, spec, msg string) {
	e.Logger.Warn().Str("from", fromPath).Str("specifier", spec).Msg(msg)
}
