// Package netio implements the ConnectionListener / SocketConnection pair
// from spec.md §4.3/§4.4, grounded on the original C SDK's
// src/source/Ice/ConnectionListener.h: a bounded set of sockets, a single
// reader goroutine instead of a dedicated OS thread per connection, and a
// snapshot-per-cycle read pattern so the socket set's mutex is never held
// across I/O.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// MaxConnections is the cap on sockets a single Listener multiplexes,
// reproducing CONNECTION_LISTENER_DEFAULT_MAX_LISTENING_CONNECTION.
const MaxConnections = 64

// PollInterval bounds each readiness cycle (spec.md §4.3: "≤200 ms").
const PollInterval = 200 * time.Millisecond

// ShutdownGrace bounds how long Shutdown waits for the reader to join.
const ShutdownGrace = time.Second

// ErrCapacityExceeded is returned by Add once MaxConnections sockets are
// already registered.
var ErrCapacityExceeded = errors.New("netio: connection listener at capacity")

// ReceiveHandler is invoked once per inbound datagram/segment, with the
// packet bytes and the source/destination addresses observed by the socket.
// Packets from one socket are delivered to this handler in receipt order
// (spec.md §5); no ordering is implied across sockets.
type ReceiveHandler func(packet []byte, src, dst net.Addr)

// Socket is anything a Listener can poll for readiness and read from. Any
// net.PacketConn (UDP, see NewUDPSocket) satisfies it; this package has no
// adapter for TCP net.Conn values.
type Socket interface {
	// ReadFrom blocks until a packet/segment is available or the deadline
	// set by SetReadDeadline elapses.
	ReadFrom(buf []byte) (n int, src net.Addr, err error)
	LocalAddr() net.Addr
	SetReadDeadline(t time.Time) error
	Close() error
}

type registeredSocket struct {
	id     uint64
	sock   Socket
	onRecv ReceiveHandler
}

// Listener owns a bounded set of Sockets and one reader goroutine, per
// spec.md §4.3.
type Listener struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	sockets map[uint64]*registeredSocket
	nextID  uint64

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener constructs an idle Listener; call Start to spin up the reader.
func NewListener(factory logging.LoggerFactory) *Listener {
	return &Listener{
		log:     factory.NewLogger("netio"),
		sockets: make(map[uint64]*registeredSocket),
		done:    make(chan struct{}),
	}
}

// Add registers sock for polling, invoking onRecv for each inbound packet.
// Returns a handle used with Remove.
func (l *Listener) Add(sock Socket, onRecv ReceiveHandler) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sockets) >= MaxConnections {
		return 0, ErrCapacityExceeded
	}
	l.nextID++
	id := l.nextID
	l.sockets[id] = &registeredSocket{id: id, sock: sock, onRecv: onRecv}
	return id, nil
}

// Remove unregisters and closes the socket for id, if present.
func (l *Listener) Remove(id uint64) {
	l.mu.Lock()
	rs, ok := l.sockets[id]
	if ok {
		delete(l.sockets, id)
	}
	l.mu.Unlock()
	if ok {
		_ = rs.sock.Close()
	}
}

// RemoveAll unregisters and closes every socket.
func (l *Listener) RemoveAll() {
	l.mu.Lock()
	all := l.sockets
	l.sockets = make(map[uint64]*registeredSocket)
	l.mu.Unlock()
	for _, rs := range all {
		_ = rs.sock.Close()
	}
}

// snapshot copies the current socket set so the reader never holds the
// mutex across blocking I/O (spec.md §4.3).
func (l *Listener) snapshot() []*registeredSocket {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*registeredSocket, 0, len(l.sockets))
	for _, rs := range l.sockets {
		out = append(out, rs)
	}
	return out
}

// Start spins up the single reader goroutine. Calling Start twice is a
// no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cycleDeadline := time.Now().Add(PollInterval)
		for _, rs := range l.snapshot() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := rs.sock.SetReadDeadline(time.Now().Add(singleSocketBudget(cycleDeadline))); err != nil {
				l.log.Warnf("netio: set read deadline on socket %d: %v", rs.id, err)
				continue
			}
			n, src, err := rs.sock.ReadFrom(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				l.log.Debugf("netio: socket %d read error: %v", rs.id, err)
				continue
			}
			packet := append([]byte(nil), buf[:n]...)
			rs.onRecv(packet, src, rs.sock.LocalAddr())
		}
	}
}

func singleSocketBudget(cycleDeadline time.Time) time.Duration {
	remaining := time.Until(cycleDeadline)
	if remaining <= 0 {
		return time.Millisecond
	}
	return remaining
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Shutdown is idempotent; it terminates the reader within one poll cycle
// plus ShutdownGrace, then releases every registered socket.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-l.done:
	case <-time.After(PollInterval + ShutdownGrace):
		l.log.Warn("netio: listener shutdown grace period elapsed before reader joined")
	}
	l.RemoveAll()
}

// NewUDPSocket opens a UDP socket on laddr (empty host/port for ephemeral),
// suitable for host-candidate gathering.
func NewUDPSocket(laddr string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp %q: %w", laddr, err)
	}
	return conn, nil
}
