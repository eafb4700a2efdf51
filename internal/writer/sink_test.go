package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/tracer/internal/config"
)

func TestFileSinkOpenWritesToExpandedPath(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Output = filepath.Join(dir, "mem_%p_%n.dat")
	s := NewFileSink(&cfg, 123, "/bin/widget")
	require.NoError(t, s.Open())
	_, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "mem_123_0.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileSinkRotateIncrementsCounter(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Output = filepath.Join(dir, "mem_%n.dat")
	s := NewFileSink(&cfg, 1, "/bin/x")
	require.NoError(t, s.Open())
	require.NoError(t, s.Rotate())
	assert.Equal(t, filepath.Join(dir, "mem_1.dat"), s.Path())
	require.NoError(t, s.Close())

	_, err := os.Stat(filepath.Join(dir, "mem_0.dat"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "mem_1.dat"))
	assert.NoError(t, err)
}

func TestFileSinkWriteBeforeOpenFails(t *testing.T) {
	cfg := config.Defaults()
	s := NewFileSink(&cfg, 1, "/bin/x")
	_, err := s.Write([]byte("x"))
	assert.Error(t, err)
}
