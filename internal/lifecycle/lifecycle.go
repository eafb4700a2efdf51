// Package lifecycle implements the signal & lifecycle controller of
// spec.md §2 component K: installing SIGUSR1/SIGUSR2 handlers, exposing
// the start/stop/sync/set_marker/override_next_timestamp control surface,
// and driving fork handling. Signal delivery only flips an atomic; the
// start/stop work itself runs later on whichever goroutine calls
// PollSignals (cmd/memtraceinject drives it from its own ticker goroutine,
// not from the writer goroutine). Go's own signal.Notify already delegates
// delivery to a regular goroutine rather than running inside the signal
// handler frame, so the atomic-only handoff here is a design choice
// rather than a hard OS requirement.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/config"
	"github.com/memtrace/tracer/internal/ring"
	"github.com/memtrace/tracer/internal/wire"
	"github.com/memtrace/tracer/internal/writer"
)

// WriterHandle is the subset of *writer.Writer the controller needs,
// narrowed so this package's tests don't need a whole Writer to exercise
// the state machine.
type WriterHandle interface {
	WriteHeader(opener interface{ Open() error }, h *wire.Header) error
	Close() error
	Sync(ctx context.Context) error
	Run(ctx context.Context)
	Stop()
	MetaRing() *ring.Buffer
}

// Controller owns the process-wide activation state machine: disabled,
// running, or stopped, toggled by signals, the exported C API
// (cmd/memtraceinject), or the fork handlers. The embedded TCP server
// does not start or stop tracing.
type Controller struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	w       WriterHandle
	newW    func(generation int) (WriterHandle, *writer.FileSink, error)
	running atomic.Bool
	gen     int

	sigusr1 atomic.Bool
	sigusr2 atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc

	// onActivate/onDeactivate fire after Start/Stop succeed, regardless of
	// which path triggered them (signal, exported C API, fork handler).
	// cmd/memtraceinject uses these to flip the C interposer's enabled
	// flag without this package importing internal/interpose.
	onActivate   func()
	onDeactivate func()
}

// SetActivationHooks installs callbacks invoked after a successful Start
// and Stop, respectively. Either may be nil.
func (c *Controller) SetActivationHooks(onActivate, onDeactivate func()) {
	c.onActivate = onActivate
	c.onDeactivate = onDeactivate
}

// New builds a Controller. newW constructs a fresh Writer bound to a
// freshly-opened sink each time Start (or a post-fork re-init) needs one,
// letting this package stay decoupled from *writer.Writer's concrete
// construction (which needs the PID/exe/header values only known at
// start time).
func New(cfg *config.Config, logger zerolog.Logger, newW func(generation int) (WriterHandle, *writer.FileSink, error)) *Controller {
	return &Controller{cfg: cfg, logger: logger.With().Str("component", "lifecycle").Logger(), newW: newW}
}

// InstallSignals registers SIGUSR1/SIGUSR2 handlers per cfg: SIGUSR1
// requests a start and SIGUSR2 a stop, acted on by the next PollSignals.
// Returns a function to stop listening.
func (c *Controller) InstallSignals() (stop func()) {
	if !c.cfg.RegisterSIGUSR1 && !c.cfg.RegisterSIGUSR2 {
		return func() {}
	}
	sigCh := make(chan os.Signal, 2)
	var sigs []os.Signal
	if c.cfg.RegisterSIGUSR1 {
		sigs = append(sigs, unix.SIGUSR1)
	}
	if c.cfg.RegisterSIGUSR2 {
		sigs = append(sigs, unix.SIGUSR2)
	}
	signal.Notify(sigCh, sigs...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case s := <-sigCh:
				switch s {
				case unix.SIGUSR1:
					c.sigusr1.Store(true)
				case unix.SIGUSR2:
					c.sigusr2.Store(true)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// PollSignals is called by the writer's drain loop (or a dedicated
// ticker) to act on flags set by InstallSignals's goroutine, per
// spec.md's "actual start/stop is performed by the writer" — here,
// performed synchronously by whoever calls PollSignals, expected to be
// driven from the same cadence as the writer's drain loop.
func (c *Controller) PollSignals() {
	if c.sigusr1.CompareAndSwap(true, false) {
		if err := c.Start(); err != nil {
			c.logger.Error().Err(err).Msg("SIGUSR1 start failed")
		}
	}
	if c.sigusr2.CompareAndSwap(true, false) {
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("SIGUSR2 stop failed")
		}
	}
}

// Start opens a fresh sink and writer and begins draining, per spec.md
// §4.K "start semantics: open the output sink... write the header...
// begin draining." A no-op if already running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return nil
	}
	w, sink, err := c.newW(c.gen)
	if err != nil {
		return fmt.Errorf("lifecycle: start: %w", err)
	}
	now := clock.Now()
	header := &wire.Header{
		PID:              clock.PID(),
		ExecutablePath:   exePath(),
		WallStartNs:      now.WallNs,
		MonotonicStartNs: now.MonotonicNs,
		Arch:             archName(),
		PointerSize:      wire.PointerSize64,
	}
	if err := w.WriteHeader(sink, header); err != nil {
		return fmt.Errorf("lifecycle: write header: %w", err)
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	go w.Run(c.runCtx)
	c.w = w
	c.gen++
	c.running.Store(true)
	if c.onActivate != nil {
		c.onActivate()
	}
	return nil
}

// Stop drains, writes the footer, and closes the sink, per spec.md §4.K
// "stop semantics: drain, write footer, close sink." A subsequent Start
// opens a fresh sink with %n incremented.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() {
		return nil
	}
	c.w.Stop()
	if c.runCancel != nil {
		c.runCancel()
	}
	err := c.w.Close()
	c.running.Store(false)
	c.w = nil
	if c.onDeactivate != nil {
		c.onDeactivate()
	}
	return err
}

// Sync blocks until the writer has drained everything emitted before the
// call, per spec.md §4.K memory_profiler_sync semantics.
func (c *Controller) Sync(ctx context.Context) error {
	c.mu.Lock()
	w := c.w
	running := c.running.Load()
	c.mu.Unlock()
	if !running {
		return nil
	}
	return w.Sync(ctx)
}

// SetMarker pushes a Marker record onto the meta ring, timestamped now.
func (c *Controller) SetMarker(value uint32) {
	c.mu.Lock()
	w := c.w
	running := c.running.Load()
	c.mu.Unlock()
	if !running {
		return
	}
	m := &wire.Marker{TimestampDelta: clock.Now().MonotonicNs, Value: value}
	rec := append([]byte{byte(wire.KindMarker)}, m.Encode()...)
	w.MetaRing().TryPush(rec)
}

// OverrideNextTimestamp forwards to internal/clock, letting a driver
// program produce deterministic, byte-identical streams across runs
// (spec.md §8 "Determinism under replay").
func (c *Controller) OverrideNextTimestamp(ns uint64) {
	clock.OverrideNext(ns)
}

// Running reports whether tracing is currently active.
func (c *Controller) Running() bool { return c.running.Load() }

// MetaRing exposes the active writer's meta ring so callers outside this
// package (cmd/memtraceinject's map-snapshot loop) can publish
// kind-prefixed records that, like NewBacktrace, must be globally ordered
// ahead of the thread-scoped data rings rather than tied to any one
// thread. Returns nil while tracing is inactive.
func (c *Controller) MetaRing() *ring.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() || c.w == nil {
		return nil
	}
	return c.w.MetaRing()
}

func exePath() string {
	p, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	return p
}

func archName() string {
	return archString
}

// waitWithTimeout is a small helper used by tests that need to bound how
// long they wait for asynchronous signal delivery.
func waitWithTimeout(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
