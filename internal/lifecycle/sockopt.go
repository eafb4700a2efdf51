package lifecycle

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr is a net.ListenConfig.Control callback that sets
// SO_REUSEADDR before bind, so a profiler restarting in the same process
// generation (e.g. after a fork re-init) doesn't fail to rebind the
// control port while the previous listener's socket lingers in TIME_WAIT.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
