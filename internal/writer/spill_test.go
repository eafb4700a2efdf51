package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpillBufferDropsOldestOnOverflow(t *testing.T) {
	s := newSpillBuffer(10) // room for three 3-byte records
	s.Push(1, []byte("ab"))
	dropped := s.Push(2, []byte("cd"))
	// 1-byte kind + 2-byte payload = 3 bytes each; two records = 6, fits in 10.
	assert.Equal(t, 0, dropped)

	dropped = s.Push(3, []byte("0123456789"))
	assert.Greater(t, dropped, 0)
	assert.Greater(t, s.Dropped(), uint64(0))
}

func TestSpillBufferDrainReturnsOldestFirst(t *testing.T) {
	s := newSpillBuffer(1024)
	s.Push(1, []byte("a"))
	s.Push(2, []byte("b"))
	recs := s.Drain()
	assert.Len(t, recs, 2)
	assert.Equal(t, byte(1), recs[0].kind)
	assert.Equal(t, byte(2), recs[1].kind)
	assert.True(t, s.Empty())
}

func TestSpillBufferOversizedRecordDroppedOutright(t *testing.T) {
	s := newSpillBuffer(4)
	dropped := s.Push(1, []byte("way too big for this buffer"))
	assert.Equal(t, 1, dropped)
	assert.True(t, s.Empty())
}
