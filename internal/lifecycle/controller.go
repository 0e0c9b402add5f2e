// Package lifecycle implements spec.md §4.2's Lifecycle Controller: the
// acquire entry point and the per-handle start/monitor/idle/stop subtasks
// that drive a BackendHandle through its state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spawngate/spawngate/internal/backend"
	"github.com/spawngate/spawngate/internal/health"
	"github.com/spawngate/spawngate/internal/metrics"
	"github.com/spawngate/spawngate/internal/router"
	"github.com/spawngate/spawngate/internal/runtime"
)

// drainPollInterval is how often stop() re-checks in_flight while draining
// and is_alive while waiting out shutdown_grace.
const drainPollInterval = 25 * time.Millisecond

// Controller owns the running tasks for every handle in the table: it is
// the only writer of BackendHandle.State after handle creation.
type Controller struct {
	local  runtime.Runtime
	docker runtime.Runtime
	table  *router.Table
	prober *health.Prober
	m      *metrics.Metrics

	mu           sync.Mutex
	readySignals map[string]chan struct{}
	hostCtx      map[string]context.Context
	hostCancel   map[string]context.CancelFunc

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	tasks          sync.WaitGroup
}

// New builds a Controller. local and docker are the two BackendRuntime
// variants (spec.md §4.3); which one a given handle uses is decided by the
// Go type of its Config.Kind.
func New(local, docker runtime.Runtime, table *router.Table, prober *health.Prober, m *metrics.Metrics) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		local:          local,
		docker:         docker,
		table:          table,
		prober:         prober,
		m:              m,
		readySignals:   make(map[string]chan struct{}),
		hostCtx:        make(map[string]context.Context),
		hostCancel:     make(map[string]context.CancelFunc),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// ensureHostContext creates (once) the per-handle context that startTask,
// monitorTask and idleTask select on, derived from the global shutdown context so a
// proxy-wide shutdown cancels every handle's subtasks without a separate
// broadcast (spec.md §9 "cancellation on handle removal must abort all
// three deterministically").
func (c *Controller) ensureHostContext(hostname string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.hostCtx[hostname]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(c.shutdownCtx)
	c.hostCtx[hostname] = ctx
	c.hostCancel[hostname] = cancel
	return ctx
}

func (c *Controller) hostContext(hostname string) context.Context {
	c.mu.Lock()
	ctx, ok := c.hostCtx[hostname]
	c.mu.Unlock()
	if !ok {
		return c.shutdownCtx
	}
	return ctx
}

// cancelHost cancels and forgets a removed handle's subtask context.
func (c *Controller) cancelHost(hostname string) {
	c.mu.Lock()
	cancel, ok := c.hostCancel[hostname]
	delete(c.hostCtx, hostname)
	delete(c.hostCancel, hostname)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Controller) runtimeFor(cfg *backend.Config) runtime.Runtime {
	if _, ok := cfg.Kind.(backend.ContainerKind); ok {
		return c.docker
	}
	return c.local
}

// Acquire is spec.md §4.2's single admission entry point.
func (c *Controller) Acquire(ctx context.Context, h *backend.Handle) (*backend.Guard, error) {
	retried := false
	for {
		h.Mu.Lock()
		switch h.State.Phase {
		case backend.Ready:
			h.InFlight++
			now := time.Now()
			h.Touch(now)
			n := h.InFlight
			h.Mu.Unlock()
			c.m.SetInFlight(h.Hostname, n)
			hostname := h.Hostname
			return backend.NewGuard(h, func(n int) { c.m.SetInFlight(hostname, n) }), nil

		case backend.Starting:
			gen := h.Generation()
			cfg := h.Config()
			h.Mu.Unlock()
			if retried {
				return nil, ErrStartupTimeout
			}
			waitCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
			err := c.waitGeneration(waitCtx, h, gen)
			cancel()
			if err != nil {
				return nil, err
			}
			retried = true
			continue

		case backend.Stopping:
			h.Mu.Unlock()
			return nil, ErrBackendShuttingDown

		case backend.Unhealthy:
			h.State.Phase = backend.Stopped
			h.Mu.Unlock()
			continue

		case backend.Stopped:
			h.State.Phase = backend.Starting
			h.State.StartedAt = time.Now()
			gen := h.Generation()
			cfg := h.Config()
			h.Mu.Unlock()
			c.m.SetState(h.Hostname, backend.Starting)
			c.spawnStartTask(h)
			waitCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
			err := c.waitGeneration(waitCtx, h, gen)
			cancel()
			if err != nil {
				return nil, err
			}
			continue

		default:
			h.Mu.Unlock()
			return nil, fmt.Errorf("lifecycle: handle %q in unknown phase", h.Hostname)
		}
	}
}

// waitGeneration blocks on h's ready-notify condition until either it
// advances past since or ctx is done. The background goroutine it spawns
// only outlives ctx until the in-flight start_task's own startup_timeout
// fires its Broadcast — callers always size ctx's deadline from the same
// startup_timeout, so the leak window is bounded, not permanent.
func (c *Controller) waitGeneration(ctx context.Context, h *backend.Handle, since uint64) error {
	done := make(chan error, 1)
	go func() {
		h.Mu.Lock()
		err := h.WaitGeneration(since)
		h.Mu.Unlock()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrStartupTimeout
	}
}

func (c *Controller) spawnStartTask(h *backend.Handle) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.startTask(h)
	}()
}

func (c *Controller) spawnMonitorTask(h *backend.Handle) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.monitorTask(h)
	}()
}

func (c *Controller) spawnIdleTask(h *backend.Handle) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.idleTask(h)
	}()
}

// startTask spawns the runtime and polls until it reports healthy, the
// proxy's ready-callback fires, or startup_timeout elapses (spec.md §4.2
// start_task).
func (c *Controller) startTask(h *backend.Handle) {
	cfg := h.Config()
	rt := c.runtimeFor(cfg)

	ctx, cancel := context.WithTimeout(c.hostContext(h.Hostname), cfg.StartupTimeout)
	defer cancel()

	rh, err := rt.Start(ctx, cfg)
	if err != nil {
		c.failStart(h, fmt.Errorf("%w: %v", ErrBackendStartFailed, err))
		return
	}

	h.Mu.Lock()
	h.RuntimeHandle = rh
	h.Mu.Unlock()

	ready := c.registerReadySignal(cfg.Hostname)
	defer c.clearReadySignal(cfg.Hostname)

	ticker := time.NewTicker(cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ready:
			c.enterReady(h, cfg)
			return
		case <-ticker.C:
			if c.prober.Check(ctx, cfg.Port, cfg.HealthPath) {
				c.enterReady(h, cfg)
				return
			}
		case <-ctx.Done():
			_ = rt.TerminateForce(context.Background(), rh)
			c.failStart(h, ErrStartupTimeout)
			return
		}
	}
}

func (c *Controller) enterReady(h *backend.Handle, cfg *backend.Config) {
	h.Mu.Lock()
	h.State.Phase = backend.Ready
	h.State.LastActivity = time.Now()
	h.State.ConsecutiveFailures = 0
	h.Broadcast(nil)
	h.Mu.Unlock()

	c.m.SetState(cfg.Hostname, backend.Ready)
	c.m.IncSpawns(cfg.Hostname)

	c.spawnMonitorTask(h)
	c.spawnIdleTask(h)
}

func (c *Controller) failStart(h *backend.Handle, err error) {
	h.Mu.Lock()
	h.State.Phase = backend.Stopped
	h.RuntimeHandle = nil
	h.Broadcast(err)
	h.Mu.Unlock()
	c.m.SetState(h.Hostname, backend.Stopped)
	slog.Warn("lifecycle: start failed", "hostname", h.Hostname, "error", err)
}

func (c *Controller) registerReadySignal(hostname string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.readySignals[hostname] = ch
	c.mu.Unlock()
	return ch
}

func (c *Controller) clearReadySignal(hostname string) {
	c.mu.Lock()
	delete(c.readySignals, hostname)
	c.mu.Unlock()
}

// NotifyReady implements the ready-callback interface of spec.md §6: it
// wakes a Starting poller for hostname so it doesn't have to wait for the
// next health_check_interval tick. A callback for a host that isn't
// currently starting is a harmless no-op.
func (c *Controller) NotifyReady(hostname string) {
	c.mu.Lock()
	ch, ok := c.readySignals[hostname]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// monitorTask polls a Ready backend's health endpoint every
// ready_health_interval and, once consecutive_failures reaches
// unhealthy_threshold, force-terminates it and leaves the handle Stopped so
// the next Acquire spawns a fresh one (spec.md §4.2 monitor_task).
func (c *Controller) monitorTask(h *backend.Handle) {
	ctx := c.hostContext(h.Hostname)
	for {
		cfg := h.Config()
		select {
		case <-time.After(cfg.ReadyHealthInterval):
		case <-ctx.Done():
			return
		}

		h.Mu.Lock()
		phase := h.State.Phase
		h.Mu.Unlock()
		if phase != backend.Ready {
			return
		}

		ok := c.prober.Check(context.Background(), cfg.Port, cfg.HealthPath)

		h.Mu.Lock()
		if ok {
			h.State.ConsecutiveFailures = 0
			h.State.LastActivity = time.Now()
			h.Mu.Unlock()
			continue
		}
		h.State.ConsecutiveFailures++
		failures := h.State.ConsecutiveFailures
		h.Mu.Unlock()
		c.m.IncProbeFailures(h.Hostname)

		if failures < cfg.UnhealthyThreshold {
			continue
		}

		h.Mu.Lock()
		h.State.Phase = backend.Unhealthy
		h.State.Since = time.Now()
		rh := h.RuntimeHandle
		h.Mu.Unlock()
		c.m.SetState(h.Hostname, backend.Unhealthy)

		if rth, ok := rh.(runtime.Handle); ok {
			_ = c.runtimeFor(cfg).TerminateForce(context.Background(), rth)
		}

		h.Mu.Lock()
		h.State.Phase = backend.Stopped
		h.RuntimeHandle = nil
		h.Mu.Unlock()
		c.m.SetState(h.Hostname, backend.Stopped)
		return
	}
}

// idleTask watches a Ready backend for idle_timeout of inactivity with no
// in-flight work and, if found, initiates graceful stop (spec.md §4.2
// idle_task). The poll period tracks idle_timeout so a short idle_timeout
// is noticed promptly without busy-looping on a long one.
func (c *Controller) idleTask(h *backend.Handle) {
	ctx := c.hostContext(h.Hostname)
	cfg := h.Config()
	period := cfg.IdleTimeout / 4
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		h.Mu.Lock()
		if h.State.Phase != backend.Ready {
			h.Mu.Unlock()
			return
		}
		idle := time.Since(h.State.LastActivity) >= cfg.IdleTimeout
		noWork := h.InFlight == 0
		h.Mu.Unlock()

		if idle && noWork {
			go c.Stop(context.Background(), h, "idle")
			return
		}
	}
}

// Stop drives a handle to Stopped via spec.md §4.2's stop(handle, reason):
// drain, polite signal, grace period, then force kill. reason "idle" adds
// the tie-break re-check against a racing Acquire.
func (c *Controller) Stop(ctx context.Context, h *backend.Handle, reason string) error {
	h.Mu.Lock()
	switch h.State.Phase {
	case backend.Stopping, backend.Stopped:
		h.Mu.Unlock()
		return nil
	}
	if reason == "idle" {
		idle := time.Since(h.State.LastActivity) >= h.Config().IdleTimeout
		if !idle || h.InFlight != 0 {
			h.Mu.Unlock()
			return nil
		}
	}
	cfg := h.Config()
	h.State.Phase = backend.Stopping
	h.State.Deadline = time.Now().Add(cfg.DrainTimeout)
	deadline := h.State.Deadline
	rh := h.RuntimeHandle
	h.Mu.Unlock()
	c.m.SetState(h.Hostname, backend.Stopping)
	slog.Info("lifecycle: stopping backend", "hostname", h.Hostname, "reason", reason)

	c.waitDrained(ctx, h, deadline)

	rt := c.runtimeFor(cfg)
	var err error
	if rth, ok := rh.(runtime.Handle); ok {
		if err = rt.TerminateGraceful(ctx, rth); err != nil {
			slog.Warn("lifecycle: graceful termination failed", "hostname", h.Hostname, "error", err)
		}
		c.waitDead(ctx, rt, rth, time.Now().Add(cfg.ShutdownGrace))
		if rt.IsAlive(ctx, rth) {
			if ferr := rt.TerminateForce(context.Background(), rth); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
	}

	h.Mu.Lock()
	h.State.Phase = backend.Stopped
	h.RuntimeHandle = nil
	h.Broadcast(ErrBackendShuttingDown)
	h.Mu.Unlock()
	c.m.SetState(h.Hostname, backend.Stopped)

	return err
}

func (c *Controller) waitDrained(ctx context.Context, h *backend.Handle, deadline time.Time) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		h.Mu.Lock()
		n := h.InFlight
		h.Mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) waitDead(ctx context.Context, rt runtime.Runtime, rh runtime.Handle, deadline time.Time) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if !rt.IsAlive(ctx, rh) || time.Now().After(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ApplyConfig diffs newConfigs against the current table by hostname
// (spec.md §6): added hosts get fresh Stopped handles, removed hosts are
// drained and dropped, changed hosts get their config snapshot swapped in
// place (effective on their next Stopped -> Starting transition). Calling
// ApplyConfig once against an empty table is also how cmd/spawngate seeds
// the initial set of handles at startup.
func (c *Controller) ApplyConfig(newConfigs map[string]*backend.Config) {
	current := c.table.Snapshot()
	next := make(map[string]*backend.Handle, len(newConfigs))

	for hostname, cfg := range newConfigs {
		if h, ok := current[hostname]; ok {
			h.SetConfig(cfg)
			next[hostname] = h
			delete(current, hostname)
			continue
		}
		c.ensureHostContext(hostname)
		next[hostname] = backend.NewHandle(cfg)
	}

	c.table.Replace(next)

	for hostname, h := range current {
		slog.Info("lifecycle: host removed from config, draining", "hostname", hostname)
		c.cancelHost(hostname)
		go c.Stop(context.Background(), h, "reload-removed")
	}
}

// Shutdown broadcasts the global shutdown signal and drains every handle
// concurrently, bounded by ctx (spec.md §5 "global shutdown signal").
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownCancel()

	handles := c.table.Snapshot()
	g, gctx := errgroup.WithContext(ctx)
	for hostname, h := range handles {
		hostname, h := hostname, h
		g.Go(func() error {
			if err := c.Stop(gctx, h, "shutdown"); err != nil {
				return fmt.Errorf("stopping %q: %w", hostname, err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
