// Package message implements the reference-counted payload carriers (C2)
// exchanged over a Session: a payload buffer sized to a Protocol's maximum,
// an optional passed file descriptor, and an optional transaction id used
// to correlate a response back to its request.
package message

import (
	"sync/atomic"

	lerrors "github.com/legato-project/messaging/errors"
)

// NoFd is the sentinel value for "no file descriptor attached".
const NoFd = -1

// Callback is invoked exactly once when a request's matching response
// arrives, or with a nil response if the session ended before one did.
// Runs on the owning session's event-loop thread.
type Callback func(request, response *Message)

// Message is a reference-counted payload carrier. A Message is never
// referenced by more than one owner of a given kind at a time: it is either
// queued for transmission, in flight to/from the kernel, sitting in a
// receive queue, or held by application code — never more than one of
// those simultaneously with respect to a single queue.
type Message struct {
	refcount int32

	payload []byte

	fd    int
	fdSet bool

	txnID uint32

	// sessionRef is the owning Session, stored as `any` to avoid an import
	// cycle (package session imports message, not the reverse). Callers in
	// package session type-assert this back to *session.Session.
	sessionRef any

	// Async completion (client side).
	callback Callback

	// Sync completion (client side): a single-use semaphore. Buffered with
	// capacity 1 so the deliverer never blocks on a waiter that gave up.
	waiter   chan *Message
	response *Message
}

// New allocates a zero-initialized Message with the given payload capacity.
// Called by package protocol's message pool; application code should not
// construct a Message directly.
func New(capacity int) *Message {
	return &Message{
		refcount: 1,
		payload:  make([]byte, capacity),
		fd:       NoFd,
	}
}

// Payload returns the message's payload buffer. The slice is stable for the
// lifetime of the message; callers may read or write through it up to the
// protocol's maximum payload size.
func (m *Message) Payload() []byte { return m.payload }

// PayloadCapacity returns the payload buffer's fixed size.
func (m *Message) PayloadCapacity() int { return len(m.payload) }

// SetFd attaches a file descriptor to the message. Ownership of fd
// transfers to the message. Attaching a second fd without first taking or
// releasing the first is a programming error (fatal), per spec.md §4.2.
func (m *Message) SetFd(fd int) {
	if m.fdSet {
		lerrors.Fatalf("message: fd already attached (set again with fd=%d)", fd)
	}
	m.fd = fd
	m.fdSet = true
}

// TakeFd removes and returns the attached fd, transferring ownership to the
// caller. Returns NoFd if none is attached. Idempotent: calling it again
// after a successful take returns NoFd.
func (m *Message) TakeFd() int {
	if !m.fdSet {
		return NoFd
	}
	fd := m.fd
	m.fd = NoFd
	m.fdSet = false
	return fd
}

// HasFd reports whether a file descriptor is currently attached.
func (m *Message) HasFd() bool { return m.fdSet }

// TransactionID returns the message's transaction id, or 0 if the message
// is not part of a request/response exchange.
func (m *Message) TransactionID() uint32 { return m.txnID }

// SetTransactionID assigns the transaction id stored in the wire header.
// Called by package session when a request is dispatched.
func (m *Message) SetTransactionID(id uint32) { m.txnID = id }

// SessionOf returns the owning session back-reference, or nil if the
// message has not been associated with one.
func (m *Message) SessionOf() any { return m.sessionRef }

// SetSessionOf associates the message with its owning session. Called by
// package session when a message is allocated for, or received on, a
// session.
func (m *Message) SetSessionOf(s any) { m.sessionRef = s }

// SetCallback attaches the async completion callback used by a client-side
// request. Called by package session's Request.
func (m *Message) SetCallback(cb Callback) { m.callback = cb }

// Callback returns the attached async completion callback, or nil.
func (m *Message) Callback() Callback { return m.callback }

// ArmWaiter allocates the single-use semaphore backing a synchronous
// request. Must be called at most once per message.
func (m *Message) ArmWaiter() {
	m.waiter = make(chan *Message, 1)
}

// Signal delivers the response to a synchronous waiter and wakes it. resp
// may be nil to signal "session ended, no response". Safe to call at most
// once; a second call would double-send on a full channel, which is a
// caller bug, not a messaging-core concern.
func (m *Message) Signal(resp *Message) {
	m.response = resp
	m.waiter <- resp
}

// Wait blocks until Signal is called, then returns the delivered response
// (nil meaning "session ended before a response arrived").
func (m *Message) Wait() *Message {
	return <-m.waiter
}

// AddRef increments the reference count.
func (m *Message) AddRef() {
	atomic.AddInt32(&m.refcount, 1)
}

// Release decrements the reference count. The final release closes any fd
// still attached to the message (never fetched via TakeFd).
//
// closeFd is invoked with the fd to close; it is supplied by the caller
// (rather than calling syscall.Close directly) so that package message has
// no platform dependency and local, same-process "fds" (which are dup'd,
// not wire-framed) close the same way as socket-transported ones.
func (m *Message) Release(closeFd func(fd int)) {
	if atomic.AddInt32(&m.refcount, -1) > 0 {
		return
	}
	if m.fdSet && closeFd != nil {
		closeFd(m.fd)
	}
	m.fd = NoFd
	m.fdSet = false
}

// RefCount returns the current reference count. Exposed for tests.
func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.refcount)
}

// Reset clears all mutable state so the message can be recycled into a
// protocol's pool. The payload buffer itself is zeroed but kept (its
// capacity must keep matching the owning protocol's max_payload). Callers
// must only reset a message whose refcount has already reached zero.
func (m *Message) Reset() {
	for i := range m.payload {
		m.payload[i] = 0
	}
	m.fd = NoFd
	m.fdSet = false
	m.txnID = 0
	m.sessionRef = nil
	m.callback = nil
	m.waiter = nil
	m.response = nil
	atomic.StoreInt32(&m.refcount, 1)
}
