package lifecycle

import (
	"context"
	"time"

	"github.com/memtrace/tracer/internal/clock"
)

// PreFork is called by the interposer's fork wrapper (internal/interpose)
// immediately before invoking the real fork, on the forking thread.
// spec.md §4.K "Pre-fork: flush all thread ring buffers and stop the
// writer." Flushing happens naturally: Stop drains everything before
// closing.
func (c *Controller) PreFork() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("pre-fork stop failed")
	}
}

// PostForkParent resumes tracing in the parent after a fork, per spec.md
// §4.K "Post-fork in parent: resume."
func (c *Controller) PostForkParent() {
	if err := c.Start(); err != nil {
		c.logger.Error().Err(err).Msg("post-fork-parent resume failed")
	}
}

// PostForkChild re-initializes the child's tracing state: a fresh output
// file (the %p placeholder now expands to the child's PID), a fresh
// writer, and a reseeded backtrace dictionary hash so the child's
// backtrace IDs don't collide semantically with whatever the parent's
// dictionary contained, per spec.md §4.K and §4.C "reseed random
// constants." reseed is supplied by the caller (internal/backtrace's
// Dictionary.Reseed) since this package has no reference to the
// process-wide dictionary.
func (c *Controller) PostForkChild(reseed func(seed uint64)) {
	if reseed != nil {
		reseed(uint64(time.Now().UnixNano()) ^ uint64(clock.PID()))
	}
	if err := c.Start(); err != nil {
		c.logger.Error().Err(err).Msg("post-fork-child start failed")
	}
}
