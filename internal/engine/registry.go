package engine

import (
	"context"
	"log/slog"
	"sync"

	"collab-engine/internal/bus"
	"collab-engine/internal/metrics"
	"collab-engine/internal/storage"
)

// Registry maps document ids to their engines. It is the only process-wide
// mutable state; everything else is owned by an engine or a session.
type Registry struct {
	cfg       Config
	writerCfg storage.WriterConfig
	store     storage.Store
	fanout    bus.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry(cfg Config, writerCfg storage.WriterConfig, store storage.Store, fanout bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		writerCfg: writerCfg,
		store:     store,
		fanout:    fanout,
		metrics:   m,
		logger:    logger,
		engines:   make(map[string]*Engine),
	}
}

// Acquire returns the live engine for a document, creating one when needed.
// An engine caught mid-termination is replaced.
func (r *Registry) Acquire(id string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[id]; ok {
		select {
		case <-e.Done():
			// Terminated between lookup and use; fall through and rebuild.
		default:
			return e
		}
	}

	writer := storage.NewWriter(r.store, r.logger.With("document", id), r.metrics, r.writerCfg)
	e := New(id, r.cfg, r.store, writer, r.fanout, r.metrics, r.logger, r.remove)
	r.engines[id] = e
	return e
}

// Lookup returns the engine only if one is resident.
func (r *Registry) Lookup(id string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, false
	}
	select {
	case <-e.Done():
		return nil, false
	default:
		return e, true
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[id]; ok {
		select {
		case <-e.Done():
			delete(r.engines, id)
		default:
			// A replacement engine already took the slot.
		}
	}
}

// Shutdown terminates every resident engine, flushing final autosaves.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Shutdown(ctx)
		}(e)
	}
	wg.Wait()
}
