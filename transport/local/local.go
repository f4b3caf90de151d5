// Package local implements the same-process fast path (spec.md §4.3.7): a
// transport.Endpoint pair that hands Message references directly between
// two eventloop.Loops, with no framing and no fd monitor. It is grounded on
// commbus.InMemoryCommBus's direct function-call dispatch (bus.go's Send/
// Publish post straight into a handler, no serialization step), narrowed to
// a point-to-point pair instead of a fan-out bus.
package local

import (
	"context"
	"sync"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/eventloop"
	"github.com/legato-project/messaging/message"

	"golang.org/x/sys/unix"
)

// Endpoint is one side of an in-process connected pair.
type Endpoint struct {
	loop *eventloop.Loop

	mu        sync.Mutex
	peer      *Endpoint
	closed    bool
	onReceive func(m *message.Message)
	onClose   func(err error)
}

// NewPair creates two connected Endpoints, one per side, each delivering
// onto the given loop. Neither loop need be running yet.
func NewPair(clientLoop, serverLoop *eventloop.Loop) (client, server *Endpoint) {
	a := &Endpoint{loop: clientLoop}
	b := &Endpoint{loop: serverLoop}
	a.peer = b
	b.peer = a
	return a, b
}

// Send hands m directly to the peer's loop. The local path never blocks:
// spec.md scopes backpressure to sockets (§1 Non-goals), so Send either
// succeeds or the session is already closed.
func (e *Endpoint) Send(m *message.Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return &lerrors.ClosedError{Reason: "local endpoint closed"}
	}
	peer := e.peer
	e.mu.Unlock()

	if m.HasFd() {
		dupFd, err := duplicateFd(m)
		if err != nil {
			return &lerrors.CommError{Cause: err}
		}
		m.SetFd(dupFd)
	}

	err := peer.loop.Post(func(context.Context) {
		peer.deliver(m)
	})
	if err != nil {
		return &lerrors.ClosedError{Reason: "peer loop stopped"}
	}
	return nil
}

// duplicateFd takes the fd off m (relinquishing the sender's ownership,
// per spec.md §4.2: "the local sender closes" its original) and returns a
// dup of it for the receiver, matching the ownership semantics of the
// cross-process path where the kernel implicitly duplicates the descriptor
// into the ancillary message.
func duplicateFd(m *message.Message) (int, error) {
	orig := m.TakeFd()
	dupFd, err := unix.Dup(orig)
	closeErr := unix.Close(orig)
	if err != nil {
		return -1, err
	}
	if closeErr != nil {
		return -1, closeErr
	}
	return dupFd, nil
}

func (e *Endpoint) deliver(m *message.Message) {
	e.mu.Lock()
	cb := e.onReceive
	closed := e.closed
	e.mu.Unlock()
	if closed || cb == nil {
		return
	}
	cb(m)
}

// OnWritable is a no-op for the local transport: Send never reports
// WouldBlock, so writable interest is never armed.
func (e *Endpoint) OnWritable(cb func()) {}

// OnReceive registers the inbound-message callback.
func (e *Endpoint) OnReceive(cb func(m *message.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReceive = cb
}

// OnClose registers the closure callback.
func (e *Endpoint) OnClose(cb func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = cb
}

// Close tears down this endpoint and notifies the peer, mirroring a peer
// hangup on the socket path. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peer := e.peer
	e.mu.Unlock()

	if peer != nil {
		peer.notifyPeerClosed()
	}
	return nil
}

func (e *Endpoint) notifyPeerClosed() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	loop := e.loop
	e.mu.Unlock()

	_ = loop.Post(func(context.Context) {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.closed = true
		cb := e.onClose
		e.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	})
}
