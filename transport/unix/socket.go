package unix

import (
	"sync"
	"time"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/eventloop"
	"github.com/legato-project/messaging/message"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a single writable-wait poll blocks before
// re-checking whether the Conn was closed out from under it. It is not a
// protocol timeout; Conn never times out a pending write on its own.
const pollInterval = 100 * time.Millisecond

// Conn is a transport.Endpoint backed by a connected SOCK_SEQPACKET socket.
// It is grounded on the same raw-fd-ownership discipline as
// transport/local's duplicateFd: the fd this Conn wraps is owned by the
// Conn until Close.
//
// Each Conn runs exactly one background reader goroutine (a blocking
// Recvmsg loop — spec.md's non-blocking requirement binds the Session's
// API, not this package's internals) and, only while a send is pending,
// one writable-wait goroutine. Neither goroutine ever touches the owning
// loop directly; both re-enter through the onReceive/onWritable/onClose
// callbacks, which callers (package session) must Post back onto their
// own loop, per the transport.Endpoint contract.
type Conn struct {
	fd         int
	maxPayload int
	newMsg     func() *message.Message
	log        eventloop.Logger

	mu         sync.Mutex
	closed     bool
	onReceive  func(m *message.Message)
	onWritable func()
	onClose    func(err error)
	waiting    bool
	stopWait   chan struct{}

	closeOnce sync.Once
}

// newConn wraps an already-connected, already-nonblocking fd.
func newConn(fd int, maxPayload int, newMsg func() *message.Message, log eventloop.Logger) *Conn {
	if log == nil {
		log = eventloop.NoopLogger()
	}
	c := &Conn{
		fd:         fd,
		maxPayload: maxPayload,
		newMsg:     newMsg,
		log:        log,
	}
	go c.readLoop()
	return c
}

// FromFd wraps an already-connected SOCK_SEQPACKET fd (one end of a
// unix.Socketpair, used by package directory to hand a freshly matched
// client/server pair their own direct connection) as a Conn. The fd must
// already be non-blocking; FromFd takes ownership of it.
func FromFd(fd int, maxPayload int, newMsg func() *message.Message, log eventloop.Logger) *Conn {
	return newConn(fd, maxPayload, newMsg, log)
}

// Send attempts one non-blocking sendmsg of m. On EAGAIN it returns
// *errors.WouldBlockError and the caller must wait for OnWritable.
func (c *Conn) Send(m *message.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &lerrors.ClosedError{Reason: "unix transport closed"}
	}
	c.mu.Unlock()

	payload := m.Payload()
	frame := make([]byte, transactionIDSize+len(payload))
	encodeFrame(m.TransactionID(), payload, frame)

	fd := -1
	if m.HasFd() {
		fd = m.TakeFd()
	}
	oob := rightsForFd(fd)

	err := unix.Sendmsg(c.fd, frame, oob, nil, unix.MSG_DONTWAIT)
	if err != nil {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return &lerrors.WouldBlockError{}
		}
		return &lerrors.CommError{Cause: err}
	}
	return nil
}

// OnWritable arms a one-shot callback fired once this connection's send
// buffer has room. It spawns a short-lived poller goroutine; repeated
// calls while one is already outstanding replace the callback without
// spawning a second poller.
func (c *Conn) OnWritable(cb func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.onWritable = cb
	if c.waiting {
		c.mu.Unlock()
		return
	}
	c.waiting = true
	stop := make(chan struct{})
	c.stopWait = stop
	c.mu.Unlock()

	go c.waitWritable(stop)
}

func (c *Conn) waitWritable(stop chan struct{}) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	for {
		select {
		case <-stop:
			return
		default:
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			c.fireClose(&lerrors.CommError{Cause: err})
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			c.fireClose(nil)
			return
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			c.mu.Lock()
			c.waiting = false
			cb := c.onWritable
			c.onWritable = nil
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
			return
		}
	}
}

// readLoop is the connection's single blocking receiver. It runs for the
// lifetime of the Conn, decoding frames and invoking onReceive until the
// peer hangs up or Close runs.
func (c *Conn) readLoop() {
	frameSize := transactionIDSize + c.maxPayload
	buf := make([]byte, frameSize)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			c.fireClose(&lerrors.CommError{Cause: err})
			return
		}
		if n == 0 {
			c.fireClose(nil)
			return
		}

		fd, parseErr := parseRights(oob[:oobn], func(extra int) {
			c.log.Warn("unix transport: closing extra fd from ancillary data", "fd", extra)
		})
		if parseErr != nil {
			c.log.Error("unix transport: malformed ancillary data", "error", parseErr)
			fd = -1
		}

		txnID, payload := decodeFrame(buf[:n], c.maxPayload)

		c.mu.Lock()
		cb := c.onReceive
		closed := c.closed
		newMsg := c.newMsg
		c.mu.Unlock()
		if closed {
			if fd >= 0 {
				_ = unix.Close(fd)
			}
			return
		}
		if cb == nil || newMsg == nil {
			if fd >= 0 {
				_ = unix.Close(fd)
			}
			continue
		}

		m := newMsg()
		copy(m.Payload(), payload)
		m.SetTransactionID(txnID)
		if fd >= 0 {
			m.SetFd(fd)
		}
		cb(m)
	}
}

// OnReceive registers the inbound-message callback.
func (c *Conn) OnReceive(cb func(m *message.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = cb
}

// OnClose registers the closure callback, invoked at most once.
func (c *Conn) OnClose(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

func (c *Conn) fireClose(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Close releases the connection's fd. Idempotent.
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stop := c.stopWait
		c.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		closeErr = unix.Close(c.fd)
	})
	return closeErr
}
