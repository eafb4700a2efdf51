package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/config"
	"github.com/memtrace/tracer/internal/cull"
	"github.com/memtrace/tracer/internal/ring"
	"github.com/memtrace/tracer/internal/wire"
)

// Writer is the sole consumer of every ring buffer and the sole owner of
// the output sink (spec.md §5 "Output sink: owned exclusively by the
// writer thread"). Every record pushed into a ring is prefixed with a
// one-byte wire.Kind so the writer can re-frame it without the producer
// needing to know anything about the stream encoding.
type Writer struct {
	cfg    *config.Config
	sink   Sink
	enc    *wire.Encoder
	logger zerolog.Logger

	mu        sync.Mutex
	dataRings map[uint32]*ring.Buffer
	metaRing  *ring.Buffer

	sinkReady atomic.Bool
	spill     *spillBuffer
	culler    *cull.Culler // nil unless CULL_TEMPORARY_ALLOCATIONS is set

	genMu   sync.Mutex
	genCond *sync.Cond
	gen     uint64

	// Process-internal counters folded into the Footer on close. These are
	// real prometheus.Counter/Gauge values with no HTTP exposition
	// attached; Footer construction reads them back via Write(&dto.Metric{})
	// rather than keeping a second set of plain integers in sync.
	totalEvents     prometheus.Counter
	totalBacktraces prometheus.Counter
	totalThreads    prometheus.Counter
	totalMaps       prometheus.Counter
	droppedEvents   prometheus.Gauge

	// reclaimedDropped holds the drop counts of rings that have already
	// been reclaimed (deleted from dataRings once sealed and drained);
	// without this, a reclaimed thread's drops would vanish from the
	// droppedEvents sum the next time drainOnce runs.
	reclaimedDropped uint64

	lastRotation time.Time
	lastHeader   *wire.Header
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	runOnce      sync.Once
}

// New builds a Writer around sink. The meta ring (for NewBacktrace
// records, spec.md §4.E "drained before any data ring") is always
// created; data rings register themselves as threads are observed.
func New(cfg *config.Config, sink Sink, logger zerolog.Logger) *Writer {
	w := &Writer{
		cfg:             cfg,
		sink:            sink,
		enc:             wire.NewEncoder(sink),
		logger:          logger.With().Str("component", "writer").Logger(),
		dataRings:       make(map[uint32]*ring.Buffer),
		metaRing:        ring.New(ring.DefaultSize),
		spill:           newSpillBuffer(cfg.SpillBufferBytes),
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
		totalEvents:     prometheus.NewCounter(prometheus.CounterOpts{Name: "memtrace_writer_events_total"}),
		totalBacktraces: prometheus.NewCounter(prometheus.CounterOpts{Name: "memtrace_writer_backtraces_total"}),
		totalThreads:    prometheus.NewCounter(prometheus.CounterOpts{Name: "memtrace_writer_threads_total"}),
		totalMaps:       prometheus.NewCounter(prometheus.CounterOpts{Name: "memtrace_writer_map_events_total"}),
		droppedEvents:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "memtrace_writer_dropped_events"}),
	}
	w.sinkReady.Store(true)
	w.genCond = sync.NewCond(&w.genMu)
	w.lastRotation = time.Now()
	if cfg.CullTemporaryAllocations {
		w.culler = cull.New(cfg.TemporaryAllocationLifetimeThreshold, cfg.TemporaryAllocationPendingThreshold)
	}
	return w
}

// MetaRing returns the dedicated ring for NewBacktrace and other
// non-thread records; internal/interpose, internal/lifecycle and
// cmd/memtraceinject push kind-prefixed payloads here.
func (w *Writer) MetaRing() *ring.Buffer { return w.metaRing }

// SetSinkReady toggles whether the sink currently accepts writes. emit
// clears it when a sink write fails; outside tests nothing calls
// SetSinkReady, and internal/lifecycle's TCP server does not touch it.
func (w *Writer) SetSinkReady(ready bool) {
	w.sinkReady.Store(ready)
}

// RegisterThread adds a new per-thread ring, tracked so the writer drains
// it in ascending-tid order (spec.md §4.F). The ring's first record is
// already its ThreadAnnounce, pushed by internal/interpose.
func (w *Writer) RegisterThread(tid uint32, buf *ring.Buffer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dataRings[tid] = buf
	w.totalThreads.Inc()
}

// reclaimSealedLocked drops rings that are both sealed and fully drained,
// releasing the exited thread's buffer (spec.md §4.F "the writer drains it
// and reclaims it").
func (w *Writer) reclaimSealedLocked() {
	for tid, buf := range w.dataRings {
		if buf.Sealed() && buf.Drained() {
			w.reclaimedDropped += buf.DroppedEvents()
			delete(w.dataRings, tid)
		}
	}
}

// WriteHeader opens the sink (if it needs explicit opening, e.g. a
// FileSink) and writes the magic + Header record. Must be called before
// Run.
func (w *Writer) WriteHeader(opener interface{ Open() error }, h *wire.Header) error {
	if opener != nil {
		if err := opener.Open(); err != nil {
			return err
		}
	}
	if err := w.enc.WriteMagic(); err != nil {
		return fmt.Errorf("writer: write magic: %w", err)
	}
	if err := w.enc.WriteRecord(wire.KindHeader, h.Encode()); err != nil {
		return fmt.Errorf("writer: write header: %w", err)
	}
	w.lastHeader = h
	return w.enc.Flush()
}

// emit frames one kind-prefixed record, falling back to the spill buffer
// if the sink is not currently ready.
func (w *Writer) emit(kind wire.Kind, payload []byte) {
	w.totalEvents.Inc()
	if !w.sinkReady.Load() {
		if dropped := w.spill.Push(byte(kind), payload); dropped > 0 {
			w.emitGap(wire.GapReasonSpillOverflow, uint64(dropped))
		}
		return
	}
	if err := w.enc.WriteRecord(kind, payload); err != nil {
		w.logger.Warn().Err(err).Msg("sink write failed, falling back to spill")
		w.sinkReady.Store(false)
		if dropped := w.spill.Push(byte(kind), payload); dropped > 0 {
			w.emitGap(wire.GapReasonSpillOverflow, uint64(dropped))
		}
	}
}

func (w *Writer) emitGap(reason wire.GapReason, dropped uint64) {
	now := clock.Now()
	g := &wire.GapNotice{TimestampDelta: uint64(now.MonotonicNs), DroppedCount: dropped, Reason: reason}
	_ = w.enc.WriteRecord(wire.KindGapNotice, g.Encode())
}

// drainBuffer pulls every framed record out of buf and writes (or spills)
// each one, splitting the leading kind byte off the payload the producer
// pushed.
func (w *Writer) drainBuffer(buf *ring.Buffer) int {
	return buf.Drain(func(payload []byte) {
		if len(payload) == 0 {
			return
		}
		kind := wire.Kind(payload[0])
		rest := payload[1:]
		if kind == wire.KindNewBacktrace {
			w.totalBacktraces.Inc()
		}
		if kind == wire.KindMapAdded || kind == wire.KindMapRemoved || kind == wire.KindMapResized {
			w.totalMaps.Inc()
		}

		if w.culler != nil {
			switch kind {
			case wire.KindAllocation:
				if a, err := wire.DecodeAllocation(rest); err == nil {
					w.culler.ObserveAllocation(a.Address, clock.Now().MonotonicNs, kind, rest)
					return
				}
			case wire.KindDeallocation:
				if d, err := wire.DecodeDeallocation(rest); err == nil {
					for _, e := range w.culler.Settle(d.Address, clock.Now().MonotonicNs, kind, rest) {
						w.emit(e.Kind, e.Payload)
					}
					return
				}
			}
		}
		w.emit(kind, rest)
	})
}

// drainOnce runs exactly one drain cycle: meta ring first (spec.md §4.E
// invariant), then every data ring in ascending thread-ID order (spec.md
// §4.G "drain in thread-ID order for determinism"), then flushes the spill
// queue if the sink has become ready, flushes the encoder, and rotates if
// due.
func (w *Writer) drainOnce() {
	w.drainBuffer(w.metaRing)

	w.mu.Lock()
	tids := make([]uint32, 0, len(w.dataRings))
	for tid := range w.dataRings {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	bufs := make([]*ring.Buffer, len(tids))
	for i, tid := range tids {
		bufs[i] = w.dataRings[tid]
	}
	totalDropped := w.reclaimedDropped
	w.mu.Unlock()

	totalDropped += w.metaRing.DroppedEvents()
	for _, buf := range bufs {
		totalDropped += buf.DroppedEvents()
		w.drainBuffer(buf)
	}
	w.droppedEvents.Set(float64(totalDropped))

	if w.culler != nil {
		for _, e := range w.culler.Flush(clock.Now().MonotonicNs) {
			w.emit(e.Kind, e.Payload)
		}
	}

	if w.sinkReady.Load() && !w.spill.Empty() {
		for _, rec := range w.spill.Drain() {
			w.emit(wire.Kind(rec.kind), rec.payload)
		}
	}

	_ = w.enc.Flush()

	w.mu.Lock()
	w.reclaimSealedLocked()
	w.mu.Unlock()

	if sec := w.cfg.RotationIntervalSec; sec > 0 {
		if rs, ok := w.sink.(interface{ Rotate() error }); ok {
			if time.Since(w.lastRotation) >= time.Duration(sec)*time.Second {
				if err := rs.Rotate(); err != nil {
					w.logger.Warn().Err(err).Msg("rotation failed")
				} else {
					w.lastRotation = time.Now()
					w.enc = wire.NewEncoder(w.sink)
					_ = w.enc.WriteMagic()
					if w.lastHeader != nil {
						_ = w.enc.WriteRecord(wire.KindHeader, w.lastHeader.Encode())
					}
				}
			}
		}
	}

	w.genMu.Lock()
	w.gen++
	w.genCond.Broadcast()
	w.genMu.Unlock()
}

// Run drains on cfg.DrainIntervalMs until ctx is cancelled or Stop is
// called, then performs one final drain and returns. It runs on its own
// goroutine for one activation: lifecycle.Controller builds a new Writer
// on every Start and stops it on Stop.
func (w *Writer) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.DrainIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.stoppedCh)

	for {
		select {
		case <-ctx.Done():
			w.drainOnce()
			return
		case <-w.stopCh:
			w.drainOnce()
			return
		case <-ticker.C:
			w.drainOnce()
		}
	}
}

// Stop signals Run to perform a final drain and exit, then waits for it.
func (w *Writer) Stop() {
	w.runOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
}

// Sync blocks until at least two further drain cycles complete, per
// spec.md §4.K "memory_profiler_sync() blocks until the writer has
// drained everything emitted before the call" — one cycle to drain
// whatever was already pushed, a second to guarantee the first cycle's
// observation of the write cursors (taken at cycle start) has been acted
// on in full.
func (w *Writer) Sync(ctx context.Context) error {
	w.genMu.Lock()
	target := w.gen + 2
	w.genMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.genMu.Lock()
		for w.gen < target {
			w.genCond.Wait()
		}
		w.genMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteFooter drains everything one last time and writes the terminal
// Footer record, per spec.md §4.G "on process exit... write the footer."
func (w *Writer) WriteFooter() error {
	w.drainOnce()
	f := &wire.Footer{
		DroppedEvents:   uint64(gaugeValue(w.droppedEvents)) + w.spill.Dropped(),
		TotalEvents:     uint64(counterValue(w.totalEvents)),
		TotalBacktraces: uint32(counterValue(w.totalBacktraces)),
		TotalThreads:    uint32(counterValue(w.totalThreads)),
		TotalMaps:       uint32(counterValue(w.totalMaps)),
		SpillDropEvents: w.spill.Dropped(),
	}
	if err := w.enc.WriteFooter(f); err != nil {
		return fmt.Errorf("writer: write footer: %w", err)
	}
	return w.enc.Flush()
}

// counterValue and gaugeValue read a prometheus metric's current value
// back out via its wire representation rather than keeping a shadow
// atomic in sync — there is no HTTP exposition registry here, so this is
// the only place these counters are ever read.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Close writes the footer and closes the sink, the terminal step of
// "stop" semantics (spec.md §4.K).
func (w *Writer) Close() error {
	if err := w.WriteFooter(); err != nil {
		w.logger.Error().Err(err).Msg("failed writing footer")
	}
	return w.sink.Close()
}
