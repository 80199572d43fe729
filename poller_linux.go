//go:build linux

package ironpool

import (
	"net"

	"golang.org/x/sys/unix"
)

// epollFlags is the fixed event mask every connection (and the listener) is
// registered with. Edge-triggered mode means a stalled reader/writer that
// doesn't drain a socket to EAGAIN will not be notified again until new
// activity arrives — callers must loop Read/Write until EAGAIN.
const epollFlags = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLERR

// listenerToken is the epoll registration token reserved exclusively for the
// listening socket. Every accepted connection is registered under its slot
// index plus one (see R1 in SPEC_FULL.md), so this value can never collide
// with a live connection's token.
const listenerToken = 0

// epollPoller is the Linux Poller implementation: a single epoll instance
// multiplexing one listening socket and a grow-only table of accepted
// connections.
//
// Grounded on original_source/rust_epoll/src/polller.rs's Poller: the
// accept-until-WouldBlock loop on the listener token, first-fit slot reuse,
// and the Data-before-Closed event ordering within a single epoll_wait
// batch are all preserved. Registration/rollback plumbing (EpollCtl add/del,
// freeing the slot and closing the fd when registration fails; no mutex
// guards the connection table) follows the shape of
// eventloop/poller_linux.go's FastPoller.
type epollPoller struct {
	epfd      int
	listenFD  int
	listenAddr net.Addr
	maxEvents int
	eventBuf  []unix.EpollEvent
	logger    Logger

	slots []*Connection // index i holds the connection at token i+1; nil means free
}

// NewPoller creates a non-blocking listening socket bound to addr, an epoll
// instance, and registers the listener under listenerToken.
func NewPoller(addr string, maxEvents int, logger Logger) (Poller, error) {
	if maxEvents < 1 {
		maxEvents = 256
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}

	listenFD, listenAddr, err := listenTCP(addr)
	if err != nil {
		return nil, WrapIOError("listen", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(listenFD)
		return nil, WrapIOError("epoll_create1", err)
	}

	ev := &unix.EpollEvent{Events: epollFlags, Fd: int32(listenerToken)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(listenFD)
		return nil, WrapIOError("epoll_ctl_add_listener", err)
	}

	return &epollPoller{
		epfd:       epfd,
		listenFD:   listenFD,
		listenAddr: listenAddr,
		maxEvents:  maxEvents,
		eventBuf:   make([]unix.EpollEvent, maxEvents),
		logger:     logger,
	}, nil
}

// listenTCP builds a non-blocking, listening IPv4 or IPv6 TCP socket bound
// to addr ("host:port"), bypassing net.Listen so the resulting fd can be
// registered directly with our own epoll instance rather than Go's runtime
// netpoller. It returns the actual bound address, which matters when addr
// requests an ephemeral port (":0").
func listenTCP(addr string) (int, net.Addr, error) {
	resolved, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	domain := unix.AF_INET
	if resolved.IP != nil && resolved.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET6 {
		var a16 [16]byte
		copy(a16[:], resolved.IP.To16())
		sa = &unix.SockaddrInet6{Port: resolved.Port, Addr: a16}
	} else {
		var a4 [4]byte
		copy(a4[:], resolved.IP.To4())
		sa = &unix.SockaddrInet4{Port: resolved.Port, Addr: a4}
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	boundSA, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	return fd, sockaddrToAddr(boundSA), nil
}

// Poll performs one epoll_wait call and dispatches every returned event to
// handler, in order. The listener's events are processed first within a
// batch only because the kernel happens to report them first; per the
// original source, what matters for a given connection's own event is that
// a StateData delivery for it always precedes a StateClosed delivery within
// the same event.
func (p *epollPoller) Poll(timeoutMs int, handler EventHandler) error {
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return WrapIOError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		if ev.Fd == listenerToken {
			p.acceptLoop(handler)
			continue
		}
		p.dispatchConnEvent(int(ev.Fd), ev.Events, handler)
	}
	return nil
}

// acceptLoop drains the listener's accept backlog until it returns EAGAIN,
// since edge-triggered mode only notifies once per readiness transition.
func (p *epollPoller) acceptLoop(handler EventHandler) {
	for {
		connFD, sa, err := unix.Accept4(p.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			p.logger.Log(LogEntry{Level: LevelError, Category: "poller", Message: "accept failed", Err: err})
			return
		}

		slot := p.reserveSlot()
		token := slot + 1

		ev := &unix.EpollEvent{Events: epollFlags, Fd: int32(token)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, connFD, ev); err != nil {
			p.logger.Log(LogEntry{Level: LevelError, Category: "poller", Message: "epoll_ctl_add connection failed", Err: err})
			_ = unix.Close(connFD)
			p.slots[slot] = nil
			continue
		}

		conn := &Connection{
			ID:         uint64(slot),
			RemoteAddr: sockaddrToAddr(sa),
			State:      StateOpened,
			fd:         connFD,
		}
		p.slots[slot] = conn
		handler(p.dupConnForEvent(conn))
	}
}

// dupConnForEvent returns an independent copy of conn carrying its own
// F_DUPFD_CLOEXEC-duplicated descriptor, for handing to an EventHandler that
// (via AsyncListener) submits the connection to a worker goroutine and may
// not actually run until well after this Poll call returns. Without this,
// every event for a given connection would share the one descriptor stored
// in the poller's slot table — and a later HUP/RDHUP/ERR on that same
// connection closes that descriptor (see dispatchConnEvent), which would
// close out from under, or on a busy listener even hand a recycled fd
// number to, an in-flight task still holding the old *Connection.
//
// Grounded on original_source/rust_epoll/src/polller.rs's
// Connection::clone, which dups the underlying stream
// (stream.try_clone()) for exactly this reason before handing a clone to
// the per-event closure.
func (p *epollPoller) dupConnForEvent(conn *Connection) *Connection {
	cp := *conn
	dup, err := unix.FcntlInt(uintptr(conn.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		// Handing out the shared master fd here would defeat the whole
		// point of duplicating it (a delayed task could still race a later
		// close/slot-reuse of the master descriptor). Deliver the event
		// with an unusable fd instead — Read/Write on it simply error out,
		// the same safe failure mode StateClosed's fd -1 already produces —
		// rather than risk cross-connection data corruption under fd
		// exhaustion.
		p.logger.Log(LogEntry{
			Level: LevelError, Category: "poller", ConnectionID: conn.ID,
			Message: "fd dup failed, delivering event with no usable descriptor", Err: err,
		})
		cp.fd = -1
		return &cp
	}
	cp.fd = dup
	return &cp
}

// reserveSlot returns the index of a free slot, reusing the first freed one
// (first-fit) rather than always growing, mirroring the original source's
// `.find(|(_, slot)| slot.is_none())` scan.
func (p *epollPoller) reserveSlot() int {
	for i, c := range p.slots {
		if c == nil {
			return i
		}
	}
	p.slots = append(p.slots, nil)
	return len(p.slots) - 1
}

// dispatchConnEvent handles one epoll event for an already-accepted
// connection. Data is always reported before Closed when both flags are
// set on the same event, matching the original source's two independent
// (non-else-if) checks.
func (p *epollPoller) dispatchConnEvent(token int, events uint32, handler EventHandler) {
	slot := token - 1
	if slot < 0 || slot >= len(p.slots) {
		return
	}
	conn := p.slots[slot]
	if conn == nil {
		return
	}

	if events&unix.EPOLLIN != 0 {
		conn.State = StateData
		handler(p.dupConnForEvent(conn))
	}

	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil)
		_ = unix.Close(conn.fd)
		p.slots[slot] = nil
		conn.State = StateClosed

		// The master descriptor is already closed above; there is nothing
		// left to dup, so this copy carries fd -1 rather than going through
		// dupConnForEvent (which would just dup an already-closed fd).
		closedConn := *conn
		closedConn.fd = -1
		handler(&closedConn)
	}
}

// Close shuts down every open connection, the listener, and the epoll
// instance itself.
func (p *epollPoller) Close() error {
	for i, conn := range p.slots {
		if conn == nil {
			continue
		}
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil)
		_ = unix.Close(conn.fd)
		p.slots[i] = nil
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, p.listenFD, nil)
	if err := unix.Close(p.listenFD); err != nil {
		return WrapIOError("close_listener", err)
	}
	if err := unix.Close(p.epfd); err != nil {
		return WrapIOError("close_epoll", err)
	}
	return nil
}

// Addr returns the listener's bound local address.
func (p *epollPoller) Addr() net.Addr {
	return p.listenAddr
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: s.Addr[:], Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: s.Addr[:], Port: s.Port}
	default:
		// Unreachable for AF_INET/AF_INET6 sockets, which is all listenTCP
		// ever creates, but Connection.RemoteAddr must never be nil for a
		// caller that unconditionally formats it (e.g. in a log line).
		return &net.TCPAddr{}
	}
}

// Read reads up to len(buf) bytes from the connection's underlying socket.
// Callers should loop until they observe unix.EAGAIN, consistent with the
// edge-triggered registration used by epollPoller.
func (c *Connection) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write writes buf to the connection's underlying socket.
func (c *Connection) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FD returns the raw file descriptor backing this connection, for callers
// that need to interoperate with other raw-fd-based code (e.g. splice).
func (c *Connection) FD() int {
	return c.fd
}

// Close releases the descriptor backing this Connection value. Every
// *Connection an EventHandler receives owns an independent, dup'd
// descriptor (see epollPoller.dupConnForEvent) except the one delivered
// with StateClosed, whose fd is already -1 because the master descriptor
// was closed by the poller before delivery; Close is a no-op in that case.
func (c *Connection) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
