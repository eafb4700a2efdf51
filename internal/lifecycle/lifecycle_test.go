package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/tracer/internal/config"
	"github.com/memtrace/tracer/internal/ring"
	"github.com/memtrace/tracer/internal/wire"
	"github.com/memtrace/tracer/internal/writer"
)

// fakeWriter is a minimal WriterHandle for exercising Controller without a
// real sink or goroutine loop.
type fakeWriter struct {
	mu        sync.Mutex
	headers   []*wire.Header
	closed    bool
	syncCalls int
	meta      *ring.Buffer
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{meta: ring.New(4096)}
}

func (f *fakeWriter) WriteHeader(opener interface{ Open() error }, h *wire.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, h)
	return nil
}
func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeWriter) Sync(ctx context.Context) error {
	f.mu.Lock()
	f.syncCalls++
	f.mu.Unlock()
	return nil
}
func (f *fakeWriter) Run(ctx context.Context) { <-ctx.Done() }
func (f *fakeWriter) Stop()                   {}
func (f *fakeWriter) MetaRing() *ring.Buffer   { return f.meta }

func newTestController() (*Controller, *fakeWriter) {
	cfg := config.Defaults()
	fw := newFakeWriter()
	c := New(&cfg, zerolog.Nop(), func(gen int) (WriterHandle, *writer.FileSink, error) {
		return fw, nil, nil
	})
	return c, fw
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	c, fw := newTestController()
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.True(t, c.Running())
	fw.mu.Lock()
	defer fw.mu.Unlock()
	assert.Len(t, fw.headers, 1, "a second Start while running must not open a second sink")
}

func TestStopClosesWriterAndFlipsRunning(t *testing.T) {
	c, fw := newTestController()
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Running())
	fw.mu.Lock()
	defer fw.mu.Unlock()
	assert.True(t, fw.closed)
}

func TestStopWhenNotRunningIsANoOp(t *testing.T) {
	c, _ := newTestController()
	assert.NoError(t, c.Stop(context.Background()))
}

func TestSyncNoOpWhenNotRunning(t *testing.T) {
	c, fw := newTestController()
	require.NoError(t, c.Sync(context.Background()))
	fw.mu.Lock()
	defer fw.mu.Unlock()
	assert.Equal(t, 0, fw.syncCalls)
}

func TestSyncDelegatesToWriterWhenRunning(t *testing.T) {
	c, fw := newTestController()
	require.NoError(t, c.Start())
	require.NoError(t, c.Sync(context.Background()))
	fw.mu.Lock()
	defer fw.mu.Unlock()
	assert.Equal(t, 1, fw.syncCalls)
}

func TestSetMarkerPushesRecordOntoMetaRing(t *testing.T) {
	c, fw := newTestController()
	require.NoError(t, c.Start())
	c.SetMarker(7)
	n := fw.meta.Drain(func(payload []byte) {
		assert.Equal(t, byte(wire.KindMarker), payload[0])
	})
	assert.Equal(t, 1, n)
}

func TestSetMarkerNoOpWhenNotRunning(t *testing.T) {
	c, fw := newTestController()
	c.SetMarker(7)
	n := fw.meta.Drain(func([]byte) {})
	assert.Equal(t, 0, n)
}

func TestInstallSignalsReturnsNoOpStopWhenBothDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.RegisterSIGUSR1 = false
	cfg.RegisterSIGUSR2 = false
	c := New(&cfg, zerolog.Nop(), nil)
	stop := c.InstallSignals()
	stop() // must not panic
}

func TestBuildAnnounceDatagramRoundTripsFields(t *testing.T) {
	d := BuildAnnounceDatagram(4242, 8177, "/usr/bin/widget")
	assert.Equal(t, announceMagic[0], d[0])
	assert.Equal(t, byte('A'), d[3])
	exeLen := int(d[12]) | int(d[13])<<8
	assert.Equal(t, "widget", string(d[14:14+exeLen]))
}

func TestWaitWithTimeoutReturnsTrueOnceConditionFlips(t *testing.T) {
	var flipped bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		flipped = true
	}()
	ok := waitWithTimeout(func() bool { return flipped }, 200*time.Millisecond)
	assert.True(t, ok)
}
