// Package session implements C3, the Session Engine: the non-blocking
// transmit/receive state machine bound to exactly one eventloop.Loop, with
// synchronous and asynchronous request/response correlation by transaction
// id, running identically over transport/local and transport/unix.
//
// State machine and affinity enforcement follow
// coreengine/kernel/lifecycle.go's LifecycleManager: a table-driven
// validTransitions map guards Open's state change, and every open, send,
// request, respond and close method asserts it is running on the Session's
// own loop goroutine before touching state. Handler and context setters
// take only the Session's mutex and may be called from any goroutine.
package session

import (
	"context"
	"sync"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/eventloop"
	"github.com/legato-project/messaging/message"
	"github.com/legato-project/messaging/protocol"
	"github.com/legato-project/messaging/transport"
)

// State is a Session's position in its CLOSED -> OPENING -> OPEN -> CLOSED
// lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Role distinguishes the session's side of the handshake: a Server session
// is handed an already-accepted connection and starts OPEN; a Client
// session starts OPENING until the peer confirms.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

var validTransitions = map[State]map[State]bool{
	StateClosed: {
		StateOpening: true,
		StateOpen:    true, // server sessions skip OPENING
	},
	StateOpening: {
		StateOpen:   true,
		StateClosed: true,
	},
	StateOpen: {
		StateClosed: true,
	},
}

func isValidTransition(from, to State) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// Session binds one transport.Endpoint to one eventloop.Loop and drives it
// through spec.md §4.3.3/§4.3.4's non-blocking send/receive state machine.
type Session struct {
	loop   *eventloop.Loop
	ep     transport.Endpoint
	proto  *protocol.Protocol
	role   Role
	logger eventloop.Logger

	mu          sync.Mutex
	state       State
	userContext any

	sendQueue []*message.Message
	armed     bool // OnWritable is currently armed

	nextTxnID uint32
	pending   map[uint32]*message.Message // txn id -> original request, awaiting a response

	requestHandler func(ctx context.Context, req *message.Message)
	openHandlers   []func(ctx context.Context)
	closeHandlers  []func(err error)
}

// New constructs a Session and wires it to ep. ep must not yet have its
// OnReceive/OnWritable/OnClose callbacks set by any other caller.
func New(loop *eventloop.Loop, ep transport.Endpoint, proto *protocol.Protocol, role Role, logger eventloop.Logger) *Session {
	if logger == nil {
		logger = eventloop.NoopLogger()
	}
	s := &Session{
		loop:    loop,
		ep:      ep,
		proto:   proto,
		role:    role,
		logger:  logger,
		pending: make(map[uint32]*message.Message),
	}
	if role == RoleServer {
		s.state = StateOpen
	} else {
		s.state = StateOpening
	}

	ep.OnReceive(func(m *message.Message) {
		_ = loop.Post(func(ctx context.Context) { s.handleReceive(ctx, m) })
	})
	ep.OnClose(func(err error) {
		_ = loop.Post(func(ctx context.Context) { s.handleTransportClosed(ctx, err) })
	})
	if role == RoleServer {
		// A server session starts OPEN with no OPENING->OPEN transition for
		// Open to fire the open handler from, so it is scheduled here
		// instead, once, on the session's own loop.
		_ = loop.Post(func(ctx context.Context) { s.fireOpenHandlers(ctx) })
	}
	return s
}

// State returns the session's current lifecycle state. Safe to call from
// any goroutine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetContext stores an opaque pointer for the owner's own bookkeeping,
// mirroring the "opaque context pointer" messagingSession.c carries
// alongside each session (restored from original_source, see
// SPEC_FULL.md).
func (s *Session) SetContext(ctx any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userContext = ctx
}

// Context returns the opaque pointer set by SetContext, or nil.
func (s *Session) Context() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userContext
}

// SetRequestHandler registers the callback invoked for inbound requests
// that do not correlate to a pending local request (i.e. messages the
// peer initiated). The handler runs on the session's own loop — the ctx
// it receives is already current for that loop, so it can call Respond
// directly — and must call Respond with the same transaction id to
// reply.
func (s *Session) SetRequestHandler(h func(ctx context.Context, req *message.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandler = h
}

// OnClose registers a callback invoked once the session transitions to
// CLOSED, whether by local Close or by the transport closing first.
func (s *Session) OnClose(h func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandlers = append(s.closeHandlers, h)
}

// OnOpen registers a callback invoked once the session reaches OPEN: for
// a client session, on the OPENING->OPEN transition driven by Open (the
// broker's ACCEPTED, per spec.md scenario S4); for a server session,
// once shortly after construction, since it starts OPEN directly. The
// ctx passed to h is already current for the session's own loop.
func (s *Session) OnOpen(h func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openHandlers = append(s.openHandlers, h)
}

func (s *Session) fireOpenHandlers(ctx context.Context) {
	s.mu.Lock()
	handlers := s.openHandlers
	s.mu.Unlock()
	for _, h := range handlers {
		h(ctx)
	}
}

// Open completes the OPENING -> OPEN transition for a client session once
// its owner considers the peer ready (e.g. the Directory Broker has
// confirmed the open record was accepted). It is a no-op for sessions
// that started OPEN (server role). Must be called on the session's own
// loop.
func (s *Session) Open(ctx context.Context) error {
	s.loop.AssertCurrent(ctx)
	s.mu.Lock()
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if !isValidTransition(s.state, StateOpen) {
		s.mu.Unlock()
		return &lerrors.NotPermittedError{Reason: "session: cannot open from state " + s.state.String()}
	}
	s.state = StateOpen
	s.mu.Unlock()

	s.fireOpenHandlers(ctx)
	return nil
}

// Send transmits m asynchronously with no response expected (a one-way
// message, or a Respond reply — see Respond). Must be called on the
// session's own loop.
func (s *Session) Send(ctx context.Context, m *message.Message) error {
	s.loop.AssertCurrent(ctx)
	return s.enqueueOrSend(m)
}

// Request sends m and arranges for cb to be invoked on this session's own
// loop once a response with m's transaction id arrives, or with a nil
// response if the session closes first (spec.md §4.3.4's cancellation
// rule). Must be called on the session's own loop.
func (s *Session) Request(ctx context.Context, m *message.Message, cb message.Callback) error {
	s.loop.AssertCurrent(ctx)

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return &lerrors.ClosedError{Reason: "session not open"}
	}
	s.nextTxnID++
	txnID := s.nextTxnID
	m.SetTransactionID(txnID)
	m.SetCallback(cb)
	s.pending[txnID] = m
	s.mu.Unlock()

	if err := s.enqueueOrSend(m); err != nil {
		s.mu.Lock()
		delete(s.pending, txnID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// RequestSync sends m and blocks the calling goroutine (which must NOT be
// the session's own loop goroutine — spec.md §4.3.5 forbids blocking the
// loop) until a response arrives or the session closes, returning nil in
// the latter case. ctx is the caller's own context: callers running off
// the loop pass whatever they have (it is only inspected for loop
// affinity, not required to be loop-affine itself). If ctx is already
// current for this session's own loop — i.e. RequestSync is called
// reentrantly from a handler running on the loop — posting the request
// would deadlock, since the loop goroutine is the one that would block
// waiting for work only it can run; spec.md §4.3.5 requires this be
// detected and returned as NONE instead, so this case returns (nil, nil)
// without posting anything.
func (s *Session) RequestSync(ctx context.Context, m *message.Message) (*message.Message, error) {
	if s.loop.IsCurrent(ctx) {
		return nil, nil
	}
	m.ArmWaiter()
	err := s.loop.Post(func(ctx context.Context) {
		if sendErr := s.Request(ctx, m, func(req, resp *message.Message) {
			req.Signal(resp)
		}); sendErr != nil {
			m.Signal(nil)
		}
	})
	if err != nil {
		return nil, &lerrors.ClosedError{Reason: "session loop stopped"}
	}
	return m.Wait(), nil
}

// Respond sends resp as the reply to a request previously delivered to
// the request handler registered via SetRequestHandler; resp must carry
// the same transaction id as the request (message.New callers get this
// for free by copying req.TransactionID()). Must be called on the
// session's own loop.
func (s *Session) Respond(ctx context.Context, resp *message.Message) error {
	s.loop.AssertCurrent(ctx)
	return s.enqueueOrSend(resp)
}

func (s *Session) enqueueOrSend(m *message.Message) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return &lerrors.ClosedError{Reason: "session not open"}
	}
	if len(s.sendQueue) > 0 || s.armed {
		s.sendQueue = append(s.sendQueue, m)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.attemptSend(m)
}

func (s *Session) attemptSend(m *message.Message) error {
	err := s.ep.Send(m)
	if err == nil {
		return nil
	}
	if _, ok := err.(*lerrors.WouldBlockError); ok {
		s.mu.Lock()
		s.sendQueue = append([]*message.Message{m}, s.sendQueue...)
		already := s.armed
		s.armed = true
		s.mu.Unlock()
		if !already {
			s.ep.OnWritable(func() {
				_ = s.loop.Post(func(context.Context) { s.drainSendQueue() })
			})
		}
		return nil
	}
	return err
}

func (s *Session) drainSendQueue() {
	for {
		s.mu.Lock()
		if len(s.sendQueue) == 0 {
			s.armed = false
			s.mu.Unlock()
			return
		}
		next := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		s.armed = false
		s.mu.Unlock()

		if err := s.attemptSend(next); err != nil {
			s.logger.Warn("session: dropped queued message on send error", "error", err)
		}
		s.mu.Lock()
		if s.armed {
			s.mu.Unlock()
			return // attemptSend re-armed OnWritable; it will call us again
		}
		s.mu.Unlock()
	}
}

func (s *Session) handleReceive(ctx context.Context, m *message.Message) {
	s.mu.Lock()
	txnID := m.TransactionID()
	req, isResponse := s.pending[txnID]
	if isResponse {
		delete(s.pending, txnID)
	}
	handler := s.requestHandler
	s.mu.Unlock()

	if isResponse {
		if cb := req.Callback(); cb != nil {
			cb(req, m)
		}
		return
	}
	if handler != nil {
		handler(ctx, m)
	}
}

func (s *Session) handleTransportClosed(ctx context.Context, transportErr error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	pending := s.pending
	s.pending = make(map[uint32]*message.Message)
	handlers := s.closeHandlers
	s.mu.Unlock()

	for _, req := range pending {
		if cb := req.Callback(); cb != nil {
			cb(req, nil)
		}
	}
	for _, h := range handlers {
		h(transportErr)
	}
}

// Close transitions the session to CLOSED. With force false and a
// non-empty send queue, Close does not wait for the queue to drain: it
// returns *errors.WouldBlockError and leaves the session open. Otherwise
// (force true, or nothing queued) it closes immediately, cancelling any pending
// requests (their callbacks fire with a nil response, sync waiters wake
// with nil) exactly as a peer-initiated close would. Must be called on
// the session's own loop.
func (s *Session) Close(ctx context.Context, force bool) error {
	s.loop.AssertCurrent(ctx)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if !force && len(s.sendQueue) > 0 {
		s.mu.Unlock()
		return &lerrors.WouldBlockError{}
	}
	s.mu.Unlock()

	err := s.ep.Close()
	s.handleTransportClosed(ctx, nil)
	return err
}

// TryCloseOnIdle closes the session only if it has no pending requests and
// an empty send queue, returning false without closing otherwise. This
// restores messagingLocal.c's idle-close check (see SPEC_FULL.md) for
// callers that want to tear down a session opportunistically without
// cancelling in-flight work. Must be called on the session's own loop.
func (s *Session) TryCloseOnIdle(ctx context.Context) bool {
	s.loop.AssertCurrent(ctx)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return true
	}
	if len(s.pending) > 0 || len(s.sendQueue) > 0 {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	_ = s.Close(ctx, true)
	return true
}
