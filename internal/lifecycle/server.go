package lifecycle

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/memtrace/tracer/internal/clock"
	"github.com/memtrace/tracer/internal/config"
)

// Server owns the optional embedded TCP listener and UDP announce
// broadcast of spec.md §6 "Network protocol". The TCP listener accepts at
// most one client at a time and reports each connect and disconnect
// through onConnect/onDisconnect. Nothing is written to the client: the
// writer keeps writing to its file sink whether or not a client is
// connected.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	ln   net.Listener
	port int

	onConnect    func(conn net.Conn)
	onDisconnect func()
}

// NewServer probes BASE_SERVER_PORT through +99 for a free TCP port,
// spec.md §6 "BASE_SERVER_PORT (default 8100; probes +0..+99)".
func NewServer(cfg *config.Config, logger zerolog.Logger, onConnect func(net.Conn), onDisconnect func()) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger.With().Str("component", "server").Logger(), onConnect: onConnect, onDisconnect: onDisconnect}
	lc := net.ListenConfig{Control: setReuseAddr}
	for offset := 0; offset < 100; offset++ {
		port := cfg.BaseServerPort + offset
		ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			s.ln = ln
			s.port = port
			return s, nil
		}
	}
	return nil, fmt.Errorf("lifecycle: no free port in range [%d, %d]", cfg.BaseServerPort, cfg.BaseServerPort+99)
}

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.port }

// Serve accepts at most one client at a time, handing each accepted
// connection to onConnect and calling onDisconnect when it closes; it
// loops until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")
		s.onConnect(conn)
		s.waitForClose(conn)
		s.onDisconnect()
	}
}

// waitForClose blocks until conn's peer goes away, detected by a zero-
// length read returning io.EOF; the connection is write-only from our
// side (we never expect the client to send anything) so reads exist only
// to detect disconnection.
func (s *Server) waitForClose(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// announceMagic is the UDP broadcast datagram's 4-byte magic, distinct
// from the stream's own 8-byte Magic since it identifies a discovery
// packet rather than framing a record stream.
var announceMagic = [4]byte{'M', 'P', 'F', 'A'}

const announceProtocolVersion uint16 = 1

// BuildAnnounceDatagram encodes spec.md §6's UDP announce payload:
// [magic 4B][protocol version 2B][pid 4B][tcp port 2B][executable length 2B][executable bytes].
func BuildAnnounceDatagram(pid uint32, tcpPort int, executable string) []byte {
	exe := filepath.Base(executable)
	buf := make([]byte, 0, 12+len(exe))
	buf = append(buf, announceMagic[:]...)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], announceProtocolVersion)
	buf = append(buf, tmp2[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], pid)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], uint16(tcpPort))
	buf = append(buf, tmp2[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(exe)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, exe...)
	return buf
}

// Broadcaster sends the announce datagram once per second to the subnet
// broadcast address, per spec.md §6 "sent once per second".
type Broadcaster struct {
	conn *net.UDPConn
	stop chan struct{}
	done chan struct{}
}

// NewBroadcaster opens a UDP socket on an ephemeral local port for
// sending announce datagrams; the port argument is not used.
func NewBroadcaster(port int) (*Broadcaster, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open broadcast socket: %w", err)
	}
	return &Broadcaster{conn: conn, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Run sends datagram once per second until Stop is called.
func (b *Broadcaster) Run(broadcastAddr string, payload func() []byte) {
	defer close(b.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	addr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return
	}
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			_, _ = b.conn.WriteToUDP(payload(), addr)
		}
	}
}

func (b *Broadcaster) Stop() {
	close(b.stop)
	<-b.done
	b.conn.Close()
}

// announceDatagramFor is a convenience wrapper tying BuildAnnounceDatagram
// to the current process identity. cmd/memtraceinject calls
// BuildAnnounceDatagram directly, so nothing in this tree calls it.
func announceDatagramFor(tcpPort int) []byte {
	return BuildAnnounceDatagram(clock.PID(), tcpPort, exePath())
}
