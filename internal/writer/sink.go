// Package writer implements the single writer thread of spec.md §2
// component G: it is the sole consumer of every ring buffer, the sole
// owner of the output sink, and the place framing, rotation, and
// backpressure policy all live (spec.md §4.G, §5 "shared-resource
// policy").
package writer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/config"
)

// Sink is anything the encoder can frame records onto: a rotating file, a
// TCP connection, or (in tests) an in-memory buffer.
type Sink interface {
	io.Writer
	io.Closer
}

// FileSink opens files per config.ExpandOutputPath, incrementing the %n
// counter on each rotation (spec.md §4.K "a subsequent start opens a fresh
// sink with %n incremented").
type FileSink struct {
	cfg  *config.Config
	pid  uint32
	exe  string
	mu   sync.Mutex
	n    int
	cur  *os.File
	path string
}

func NewFileSink(cfg *config.Config, pid uint32, exe string) *FileSink {
	return &FileSink{cfg: cfg, pid: pid, exe: exe}
}

// Open opens (or reopens, on rotation) the next output file in sequence.
func (s *FileSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *FileSink) openLocked() error {
	if s.cur != nil {
		s.cur.Close()
	}
	path := config.ExpandOutputPath(s.cfg.Output, s.pid, uint32(clock.ThreadID()), s.exe, s.n)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writer: open sink %s: %w", path, err)
	}
	s.cur = f
	s.path = path
	s.n++
	return nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0, fmt.Errorf("writer: sink not open")
	}
	return s.cur.Write(p)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// Rotate closes the current file and opens the next one in sequence.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

// Path returns the currently open file's path, mainly for logging.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}
