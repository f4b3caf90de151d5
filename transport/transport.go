// Package transport declares the substitutable wire underneath a Session:
// spec.md §4.3.7 requires the local (same-process) fast path and the
// cross-process Unix-socket path to "share the entire Session/Message API
// but substitute the transport." Endpoint is that substitution point.
package transport

import "github.com/legato-project/messaging/message"

// Endpoint is one connected side of a transport. Package session drives it
// through the non-blocking send/receive state machine described in
// spec.md §4.3.3/§4.3.4; package transport/local and transport/unix provide
// the two concrete implementations.
type Endpoint interface {
	// Send attempts a single non-blocking transmission of m. If the
	// transport cannot accept m without blocking, it returns
	// *errors.WouldBlockError; it does not arm "writable" interest itself.
	// The caller (package session) must then queue m and arm OnWritable,
	// retrying once it fires.
	Send(m *message.Message) error

	// OnWritable arms a one-shot callback fired the next time the
	// transport can accept another Send. The callback runs off the
	// session's owning goroutine; callers must re-enter via their
	// eventloop.Loop.Post.
	OnWritable(cb func())

	// OnReceive registers the callback invoked once per inbound message.
	// Like OnWritable, it runs off-loop.
	OnReceive(cb func(m *message.Message))

	// OnClose registers the callback invoked exactly once when the peer or
	// the transport itself closes, carrying a non-nil error only on
	// abnormal closure (err == nil means a clean EOF/peer close).
	OnClose(cb func(err error))

	// Close releases the transport's underlying resources (socket fd,
	// pending local-delivery registration). Idempotent.
	Close() error
}

// NewMessageFunc allocates a zero-initialized message sized for whatever
// protocol this connection was opened against. Transports that must
// materialize a Message on receipt (the Unix-socket path; the local path
// hands the original pointer across and never needs one) are given this
// factory at construction time rather than importing package protocol
// directly, keeping transport implementations protocol-agnostic.
type NewMessageFunc func() *message.Message
