// Command memtraceinject builds as a cgo c-shared library (LD_PRELOAD
// target) exposing the control-surface C API of spec.md §6: start, stop,
// sync, set_marker, and override_next_timestamp. It owns the one piece of
// global state the whole system hangs off — configuration, the backtrace
// dictionary, and the lifecycle controller — initialized exactly once at
// library-load time via init(), which the Go runtime runs before any C
// constructor a c-shared consumer could register, matching spec.md §4
// "initialized exactly once at library-load time via the platform's
// constructor mechanism."
package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memtrace/tracer/internal/backtrace"
	"github.com/memtrace/tracer/internal/binembed"
	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/config"
	"github.com/memtrace/tracer/internal/interpose"
	"github.com/memtrace/tracer/internal/lifecycle"
	"github.com/memtrace/tracer/internal/mapsnap"
	"github.com/memtrace/tracer/internal/observ"
	"github.com/memtrace/tracer/internal/ring"
	"github.com/memtrace/tracer/internal/unwind"
	"github.com/memtrace/tracer/internal/wire"
	"github.com/memtrace/tracer/internal/writer"
)

var (
	cfg        config.Config
	logger     zerolog.Logger
	dictionary *backtrace.Dictionary
	controller *lifecycle.Controller
	runID      uuid.UUID

	stopSignalPolling func()
	stopMapScanning   func()
	server            *lifecycle.Server
	broadcaster       *lifecycle.Broadcaster
)

// main is never called by the loading process; -buildmode=c-shared still
// requires package main to have one.
func main() {}

func init() {
	cfg = config.LoadFromEnv()
	runID = uuid.New()
	logger = observ.New(cfg.LogLevel, cfg.LogFile).With().Str("run", runID.String()).Logger()
	for _, w := range cfg.Validate() {
		logger.Warn().Msg(w)
	}

	dictionary = backtrace.New(cfg.BacktraceCacheSize)

	var unwinder unwind.Unwinder
	if cfg.UseShadowStack {
		unwinder = unwind.ShadowStack{}
	} else {
		unwinder = unwind.NewDWARFFallback(resolveModulePath)
	}
	// Stripping the profiler's own frames (spec.md §4.D "frames above the
	// profiler's own entry point are stripped") needs this library's
	// mapped address range, which is only cheaply available once the map
	// scanner below has taken its first /proc/self/maps snapshot. Left as
	// (0, 0) — a no-op strip — until then; recorded as a scope reduction
	// in DESIGN.md rather than attempted half-right at init time.
	interpose.Configure(dictionary, unwinder, 0, 0)

	controller = lifecycle.New(&cfg, logger, newWriter)
	controller.SetActivationHooks(
		func() { interpose.SetEnabled(true) },
		func() { interpose.SetEnabled(false) },
	)
	interpose.SetForkHooks(forkAdapter{})
	interpose.SetUnloadHook(func() {
		_ = controller.Stop(context.Background())
		stopBackgroundServices()
	})

	interpose.Install()
	stopSignalPolling = startSignalPolling()
	stopMapScanning = startMapScanning()

	if cfg.EnableServer {
		startServer()
	}
	if cfg.EnableBroadcast && server != nil {
		startBroadcaster()
	}

	if !cfg.DisableByDefault {
		if err := controller.Start(); err != nil {
			logger.Error().Err(err).Msg("initial start failed")
		}
	}
}

// newWriter is lifecycle.Controller's writer factory: a fresh sink and
// Writer per (re)activation, so %n in the output pattern advances on every
// restart, spec.md §4.K.
func newWriter(generation int) (lifecycle.WriterHandle, *writer.FileSink, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = "unknown"
	}
	sink := writer.NewFileSink(&cfg, clock.PID(), exe)
	w := writer.New(&cfg, sink, logger)
	interpose.SetWriter(w)
	if cfg.WriteBinaries {
		go embedLoadedBinaries(exe)
	}
	return w, sink, nil
}

// startSignalPolling drives Controller.PollSignals at the writer's own
// cadence: signal delivery only flips an atomic (spec.md §4.K), something
// still has to act on it.
func startSignalPolling() func() {
	controller.InstallSignals()
	ctx, cancel := context.WithCancel(context.Background())
	interval := drainInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				controller.PollSignals()
			}
		}
	}()
	return cancel
}

// startMapScanning periodically diffs /proc/self/maps and publishes
// map-lifecycle records plus an RSS/PSS rollup onto the meta ring,
// spec.md §4.H; the scanning itself is internal/mapsnap (component H).
func startMapScanning() func() {
	scanner, err := mapsnap.NewScanner(0)
	if err != nil {
		logger.Warn().Err(err).Msg("map scanning disabled")
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scanMapsOnce(scanner)
			}
		}
	}()
	return cancel
}

func scanMapsOnce(scanner *mapsnap.Scanner) {
	meta := controller.MetaRing()
	if meta == nil {
		return
	}
	ts := clock.Now().MonotonicNs
	added, removed, resized, protChanged, err := scanner.Diff(ts)
	if err != nil {
		logger.Debug().Err(err).Msg("map diff failed")
		return
	}
	publishMaps(meta, wire.KindMapAdded, added)
	publishMaps(meta, wire.KindMapRemoved, removed)
	publishMaps(meta, wire.KindMapResized, resized)
	publishMaps(meta, wire.KindMapProtChanged, protChanged)

	if usage, err := scanner.Usage(ts); err == nil {
		rec := append([]byte{byte(wire.KindMapUsage)}, usage.Encode()...)
		meta.TryPush(rec)
	}
}

func publishMaps(meta *ring.Buffer, kind wire.Kind, recs []*wire.MapRecord) {
	for _, r := range recs {
		rec := append([]byte{byte(kind)}, r.Encode()...)
		meta.TryPush(rec)
	}
}

// startServer brings up the embedded TCP listener of spec.md §6. An
// accepted client is only logged and held until it disconnects; the
// writer's output stays on the file sink and is not sent to the client.
func startServer() {
	s, err := lifecycle.NewServer(&cfg, logger, onClientConnect, onClientDisconnect)
	if err != nil {
		logger.Error().Err(err).Msg("embedded server disabled: could not bind")
		return
	}
	server = s
	go func() {
		if err := server.Serve(); err != nil {
			logger.Debug().Err(err).Msg("embedded server stopped")
		}
	}()
}

func onClientConnect(conn net.Conn) {
	logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("control client connected")
}

func onClientDisconnect() {
	logger.Info().Msg("control client disconnected, falling back to file+spill")
}

func startBroadcaster() {
	b, err := lifecycle.NewBroadcaster(cfg.BaseServerPort)
	if err != nil {
		logger.Error().Err(err).Msg("announce broadcaster disabled")
		return
	}
	broadcaster = b
	exe, _ := os.Executable()
	go broadcaster.Run("255.255.255.255:0", func() []byte {
		return lifecycle.BuildAnnounceDatagram(clock.PID(), server.Port(), exe)
	})
}

func stopBackgroundServices() {
	if stopSignalPolling != nil {
		stopSignalPolling()
	}
	if stopMapScanning != nil {
		stopMapScanning()
	}
	if broadcaster != nil {
		broadcaster.Stop()
	}
	if server != nil {
		_ = server.Close()
	}
}

// embedLoadedBinaries computes a compressed, chunked BinaryEmbed set for
// the main executable, gated by WRITE_BINARIES_TO_OUTPUT (spec.md §6). It
// runs on its own goroutine since compressing a multi-megabyte binary must
// never block activation, and publishes each chunk onto the meta ring
// exactly like any other globally-ordered record.
func embedLoadedBinaries(exe string) {
	embedder, err := binembed.NewEmbedder()
	if err != nil {
		logger.Warn().Err(err).Msg("binary embedding disabled")
		return
	}
	defer embedder.Close()
	chunks, err := embedder.Embed(exe)
	if err != nil {
		logger.Warn().Err(err).Str("path", exe).Msg("failed to embed binary")
		return
	}
	meta := controller.MetaRing()
	if meta == nil {
		return
	}
	for _, chunk := range chunks {
		rec := append([]byte{byte(wire.KindBinaryEmbed)}, chunk.Encode()...)
		meta.TryPush(rec)
	}
}

// resolveModulePath backs the DWARF fallback unwinder's per-PC module
// lookup. It returns the main executable's path for every PC; shared
// libraries are not looked up, so a frame inside one is checked against
// the executable's symbol table.
func resolveModulePath(pc uint64) (string, bool) {
	exe, err := os.Executable()
	if err != nil {
		return "", false
	}
	return exe, true
}

func drainInterval() time.Duration {
	if cfg.DrainIntervalMs <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(cfg.DrainIntervalMs) * time.Millisecond
}

// forkAdapter satisfies interpose.ForkHooks, the only bridge between
// shim.c's fork() wrapper and the lifecycle controller; kept as a
// separate type rather than closures so interpose.SetForkHooks has a
// single stable value to store.
type forkAdapter struct{}

func (forkAdapter) PreFork()        { controller.PreFork() }
func (forkAdapter) PostForkParent() { controller.PostForkParent() }
func (forkAdapter) PostForkChild()  { controller.PostForkChild(dictionary.Reseed) }
