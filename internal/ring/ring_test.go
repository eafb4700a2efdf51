package ring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsUpToPowerOfTwo(t *testing.T) {
	b := New(100)
	assert.Equal(t, 128, len(b.data))
}

func TestPushDrainRoundTrip(t *testing.T) {
	b := New(1024)
	for i := 0; i < 5; i++ {
		require.True(t, b.TryPush([]byte(fmt.Sprintf("rec-%d", i))))
	}
	var got []string
	n := b.Drain(func(payload []byte) {
		got = append(got, string(payload))
	})
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"rec-0", "rec-1", "rec-2", "rec-3", "rec-4"}, got)
	assert.True(t, b.Drained())
}

func TestTryPushFailsWhenFull(t *testing.T) {
	b := New(64)
	payload := make([]byte, 32)
	pushed := 0
	for b.TryPush(payload) {
		pushed++
		if pushed > 100 {
			t.Fatal("ring never reported full")
		}
	}
	assert.Greater(t, pushed, 0)
}

func TestDropCounterAndPushWithoutBlocking(t *testing.T) {
	b := New(64)
	payload := make([]byte, 64)
	ok := b.Push(payload, false, time.Millisecond)
	if !ok {
		b.RecordDrop()
	}
	assert.Equal(t, uint64(1), b.DroppedEvents())
	// fill it up, then the next push must fail immediately (no blocking).
	for b.TryPush([]byte{1, 2, 3}) {
	}
	start := time.Now()
	ok = b.Push([]byte{1}, false, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestPushBlockingRetriesUntilSpaceFreed(t *testing.T) {
	b := New(64)
	for b.TryPush([]byte{0}) {
	}
	done := make(chan bool)
	go func() {
		done <- b.Push([]byte{9}, true, 200*time.Millisecond)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Drain(func(payload []byte) {})
	assert.True(t, <-done)
}

func TestSealAndDrained(t *testing.T) {
	b := New(64)
	assert.False(t, b.Sealed())
	b.Seal()
	assert.True(t, b.Sealed())
	assert.True(t, b.Drained())
}
