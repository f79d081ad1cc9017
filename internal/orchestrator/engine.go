// Package orchestrator runs the daemon: one consumer loop and one reclaim
// supervisor per configured (tenant, stream), all dispatching through a shared
// handler registry that routes handoff requests through the gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/consumer"
	"github.com/dyluth/warren/internal/gateway"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/dlq"
	"github.com/dyluth/warren/pkg/handoff"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
)

// Loop states reported by Ready.
const (
	LoopStarting = "starting"
	LoopRunning  = "running"
	LoopStopped  = "stopped"
	LoopFailed   = "failed"
)

// Engine owns every processing loop of the daemon.
type Engine struct {
	bus      *bus.Bus
	dlq      *dlq.Queue
	registry *consumer.Registry
	workers  []*worker
	log      zerolog.Logger

	mu     sync.RWMutex
	status map[string]string // worker key -> loop state
}

type worker struct {
	key        string
	consumer   *consumer.Consumer
	supervisor *consumer.Supervisor
}

// EngineOption customizes consumers built by NewEngine.
type EngineOption func(o *consumer.Options)

// NewEngine builds a consumer and supervisor for every tenant stream in cfg.
// The handoff stream is always consumed, even when a tenant does not list it.
func NewEngine(cfg *config.WarrenConfig, b *bus.Bus, p *handoff.Protocol, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		bus:      b,
		dlq:      dlq.New(b, cfg.Streams.DLQMaxLen),
		registry: consumer.NewRegistry(),
		log:      logger.With().Str("component", "orchestrator").Logger(),
		status:   make(map[string]string),
	}

	gw := gateway.New(b, p, cfg.Handoff.Identity, logger)
	if err := gw.Register(e.registry); err != nil {
		return nil, err
	}
	if err := registerObservers(e.registry, logger); err != nil {
		return nil, err
	}

	for _, t := range cfg.Tenants {
		tc, err := tenant.New(t.ID, t.Slug)
		if err != nil {
			return nil, err
		}

		for _, stream := range tenantStreams(t, cfg.Handoff.Stream) {
			c, err := consumer.New(b, e.dlq, e.registry, tc, func(o *consumer.Options) {
				o.Stream = stream
				o.Group = t.Group
				o.BatchSize = cfg.Consumer.BatchSize
				o.Block = cfg.Consumer.Block
				o.HandlerTimeout = cfg.Consumer.HandlerTimeout
				o.MaxRetries = *cfg.Retry.MaxRetries
				o.BaseDelay = cfg.Retry.BaseDelay
				o.Factor = cfg.Retry.Factor
				o.Logger = logger
				for _, fn := range opts {
					fn(o)
				}
			})
			if err != nil {
				return nil, fmt.Errorf("tenant '%s' stream '%s': %w", t.ID, stream, err)
			}

			w := &worker{
				key:        t.ID + "/" + stream,
				consumer:   c,
				supervisor: consumer.NewSupervisor(c, cfg.Consumer.ReclaimInterval, cfg.Consumer.ReclaimMinIdle),
			}
			e.workers = append(e.workers, w)
			e.status[w.key] = LoopStarting
		}
	}

	return e, nil
}

// tenantStreams returns the tenant's streams with the handoff stream appended
// when missing.
func tenantStreams(t config.TenantConfig, handoffStream string) []string {
	streams := append([]string(nil), t.Streams...)
	for _, s := range streams {
		if s == handoffStream {
			return streams
		}
	}
	if handoffStream != "" {
		streams = append(streams, handoffStream)
	}
	return streams
}

// Registry returns the handler registry shared by every loop.
func (e *Engine) Registry() *consumer.Registry {
	return e.registry
}

// Queue returns the dead letter queue the loops write to.
func (e *Engine) Queue() *dlq.Queue {
	return e.dlq
}

// Loops returns the worker keys ("tenant/stream") in sorted order.
func (e *Engine) Loops() []string {
	keys := make([]string, 0, len(e.workers))
	for _, w := range e.workers {
		keys = append(keys, w.key)
	}
	sort.Strings(keys)
	return keys
}

// Run starts every loop and blocks until ctx is cancelled and all loops have
// returned. A loop that fails to start is reported in Ready and in the
// returned error; the others keep running.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Int("loops", len(e.workers)).Msg("Starting")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, w := range e.workers {
		w := w
		wg.Add(2)

		go func() {
			defer wg.Done()
			e.setStatus(w.key, LoopRunning)
			if err := w.consumer.Run(ctx); err != nil {
				e.setStatus(w.key, LoopFailed)
				e.log.Error().Err(err).Str("loop", w.key).Msg("Consumer loop failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", w.key, err))
				mu.Unlock()
				return
			}
			e.setStatus(w.key, LoopStopped)
		}()

		go func() {
			defer wg.Done()
			if err := w.supervisor.Run(ctx); err != nil {
				e.log.Error().Err(err).Str("loop", w.key).Msg("Reclaim supervisor failed")
			}
		}()
	}

	wg.Wait()
	e.log.Info().Msg("Stopped")
	return errors.Join(errs...)
}

// Ready reports whether every loop is running, with the state of each.
// Implements health.ReadyFunc.
func (e *Engine) Ready() (bool, map[string]string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ready := len(e.status) > 0
	loops := make(map[string]string, len(e.status))
	for k, v := range e.status {
		loops[k] = v
		if v != LoopRunning {
			ready = false
		}
	}
	return ready, loops
}

func (e *Engine) setStatus(key, state string) {
	e.mu.Lock()
	e.status[key] = state
	e.mu.Unlock()
}
