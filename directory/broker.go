// Package directory implements C4: the Interface Registry and the
// Directory Broker that backs it, rendezvousing servers and clients by
// (protocol, instance) name over two well-known SOCK_SEQPACKET sockets
// (spec.md §6) and then getting out of the way — once matched, a client
// and server talk directly over a socketpair the broker handed them, not
// through the broker.
//
// Grounded on coreengine/kernel/services.go's ServiceRegistry (the
// RWMutex-guarded map keyed by name, with Get/List/Cleanup) for the
// interface table, and on commbus/bus.go's goroutine-per-connection
// dispatch for the broker's accept loops.
package directory

import (
	"sync"
	"syscall"

	"github.com/legato-project/messaging/eventloop"
	unixtransport "github.com/legato-project/messaging/transport/unix"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Key identifies an advertised interface by protocol id and instance
// name, mirroring spec.md §4.4's (protocol_id, instance_name) pair.
type Key struct {
	Protocol string
	Instance string
}

type interfaceEntry struct {
	offerConn  *unixtransport.Conn
	maxPayload int
	creds      unixtransport.PeerCredentials
}

type waitingClient struct {
	key        Key
	maxPayload int
	openConn   *unixtransport.Conn
	creds      unixtransport.PeerCredentials
	cancelled  bool
}

// Snapshot describes one currently advertised interface, restoring
// serviceDirectory.c's introspection call (see SPEC_FULL.md).
type Snapshot struct {
	Protocol   string
	Instance   string
	MaxPayload int
	ServerPID  int32
}

// Broker is the Directory Broker: it owns the two listening sockets and
// the interface table, and matches advertise/open records as they arrive.
type Broker struct {
	offers     *unixtransport.Listener
	opens      *unixtransport.Listener
	offersPath string
	opensPath  string
	logger     eventloop.Logger

	mu       sync.Mutex
	entries  map[Key]*interfaceEntry
	waiting  map[Key][]*waitingClient
	stopping bool
	wg       sync.WaitGroup
}

// Config names the two socket paths and listen backlog the broker binds,
// per SPEC_FULL.md's config section.
type Config struct {
	OffersSocketPath string
	OpensSocketPath  string
	Backlog          int
}

// New binds both listening sockets and returns a Broker ready for Run.
func New(cfg Config, logger eventloop.Logger) (*Broker, error) {
	if logger == nil {
		logger = eventloop.NoopLogger()
	}
	offers, err := unixtransport.Listen(cfg.OffersSocketPath, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	opens, err := unixtransport.Listen(cfg.OpensSocketPath, cfg.Backlog)
	if err != nil {
		_ = offers.Close()
		return nil, err
	}
	return &Broker{
		offers:     offers,
		opens:      opens,
		offersPath: cfg.OffersSocketPath,
		opensPath:  cfg.OpensSocketPath,
		logger:     logger,
		entries:    make(map[Key]*interfaceEntry),
		waiting:    make(map[Key][]*waitingClient),
	}, nil
}

// OffersSocketPath returns the bound offers-socket path.
func (b *Broker) OffersSocketPath() string { return b.offersPath }

// OpensSocketPath returns the bound opens-socket path.
func (b *Broker) OpensSocketPath() string { return b.opensPath }

// SignalReady closes fd 0, per spec.md §4.4.5: before any other process in
// the system is started, the broker must have both sockets bound and
// listening, and it signals that readiness to a supervisor by closing its
// own stdin. Callers invoke this once, after New has returned successfully
// and before Run's accept loops start; a supervisor that inherited fd 0 and
// is blocked reading it sees EOF at exactly that point. Closing an already-
// closed fd 0 (e.g. a second call) is a no-op error, safely ignored.
func (b *Broker) SignalReady() {
	_ = syscall.Close(0)
}

// Run accepts connections on both sockets until Stop is called. It
// returns once both accept loops have exited.
func (b *Broker) Run() {
	b.wg.Add(2)
	go b.acceptLoop(b.offers, b.handleOfferConn)
	go b.acceptLoop(b.opens, b.handleOpenConn)
	b.wg.Wait()
}

func (b *Broker) acceptLoop(ln *unixtransport.Listener, handle func(*unixtransport.Conn, unixtransport.PeerCredentials)) {
	defer b.wg.Done()
	for {
		conn, creds, err := ln.Accept(controlMaxPayload, newControlMessage, b.logger)
		if err != nil {
			b.mu.Lock()
			stopping := b.stopping
			b.mu.Unlock()
			if !stopping {
				b.logger.Error("directory: accept failed", "error", err)
			}
			return
		}
		go handle(conn, creds)
	}
}

// Stop closes both listening sockets, ending future Accepts; connections
// already matched and handed off to their peers are unaffected.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	_ = b.offers.Close()
	_ = b.opens.Close()
}

// Snapshot returns the currently advertised interfaces.
func (b *Broker) Snapshot() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.entries))
	for key, e := range b.entries {
		out = append(out, Snapshot{
			Protocol:   key.Protocol,
			Instance:   key.Instance,
			MaxPayload: e.maxPayload,
			ServerPID:  e.creds.PID,
		})
	}
	return out
}

func (b *Broker) handleOfferConn(conn *unixtransport.Conn, creds unixtransport.PeerCredentials) {
	m, err := recvOne(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	var req advertiseRequest
	if err := decodeRecord(m, &req); err != nil {
		_ = conn.Close()
		return
	}
	key := Key{Protocol: req.Protocol, Instance: req.Instance}

	b.mu.Lock()
	if _, exists := b.entries[key]; exists {
		b.mu.Unlock()
		b.reject(conn, advertiseResponse{OK: false, Error: "duplicate advertise"})
		_ = conn.Close()
		return
	}
	entry := &interfaceEntry{offerConn: conn, maxPayload: req.MaxPayload, creds: creds}
	b.entries[key] = entry
	queued := b.waiting[key]
	delete(b.waiting, key)
	b.mu.Unlock()

	resp, err := encodeRecord(advertiseResponse{OK: true})
	if err != nil {
		b.logger.Error("directory: encoding advertise response", "error", err)
		b.deregister(key, conn)
		return
	}
	if err := sendOne(conn, resp); err != nil {
		b.deregister(key, conn)
		return
	}

	conn.OnClose(func(err error) { b.deregister(key, conn) })

	for _, wc := range queued {
		if wc.cancelled {
			continue
		}
		if wc.maxPayload != entry.maxPayload {
			b.reject(wc.openConn, openResponse{OK: false, Error: "max_payload mismatch"})
			_ = wc.openConn.Close()
			continue
		}
		b.match(key, entry, wc)
	}
}

func (b *Broker) deregister(key Key, conn *unixtransport.Conn) {
	b.mu.Lock()
	if e, ok := b.entries[key]; ok && e.offerConn == conn {
		delete(b.entries, key)
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Broker) handleOpenConn(conn *unixtransport.Conn, creds unixtransport.PeerCredentials) {
	m, err := recvOne(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	var req openRequest
	if err := decodeRecord(m, &req); err != nil {
		_ = conn.Close()
		return
	}
	key := Key{Protocol: req.Protocol, Instance: req.Instance}

	b.mu.Lock()
	entry, found := b.entries[key]
	if !found {
		wc := &waitingClient{key: key, maxPayload: req.MaxPayload, openConn: conn, creds: creds}
		b.waiting[key] = append(b.waiting[key], wc)
		b.mu.Unlock()
		conn.OnClose(func(error) {
			b.mu.Lock()
			wc.cancelled = true
			b.mu.Unlock()
		})
		return
	}
	b.mu.Unlock()

	if entry.maxPayload != req.MaxPayload {
		b.reject(conn, openResponse{OK: false, Error: "max_payload mismatch"})
		_ = conn.Close()
		return
	}
	b.match(key, entry, &waitingClient{key: key, maxPayload: req.MaxPayload, openConn: conn, creds: creds})
}

// match hands the client and the advertising server each one end of a
// fresh socketpair: the client's end travels as ancillary data on its
// openResponse, the server's end as ancillary data on a clientArrived
// notification over the live offer connection.
func (b *Broker) match(key Key, entry *interfaceEntry, wc *waitingClient) {
	matchID := "match_" + uuid.New().String()[:16]
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		b.reject(wc.openConn, openResponse{OK: false, Error: "broker: socketpair failed"})
		_ = wc.openConn.Close()
		return
	}
	clientFd, serverFd := fds[0], fds[1]
	if err := unix.SetNonblock(clientFd, true); err != nil {
		_ = unix.Close(clientFd)
		_ = unix.Close(serverFd)
		_ = wc.openConn.Close()
		return
	}
	if err := unix.SetNonblock(serverFd, true); err != nil {
		_ = unix.Close(clientFd)
		_ = unix.Close(serverFd)
		_ = wc.openConn.Close()
		return
	}

	resp, err := encodeRecord(openResponse{OK: true})
	if err != nil {
		_ = unix.Close(clientFd)
		_ = unix.Close(serverFd)
		_ = wc.openConn.Close()
		return
	}
	resp.SetFd(clientFd)
	if err := sendOne(wc.openConn, resp); err != nil {
		_ = unix.Close(serverFd)
		_ = wc.openConn.Close()
		return
	}
	_ = wc.openConn.Close()

	notice, err := encodeRecord(clientArrived{Instance: key.Instance, MatchID: matchID})
	if err != nil {
		_ = unix.Close(serverFd)
		return
	}
	notice.SetFd(serverFd)
	if err := sendOne(entry.offerConn, notice); err != nil {
		b.logger.Warn("directory: failed to forward client to server", "match_id", matchID, "error", err)
		_ = unix.Close(serverFd)
		return
	}
	b.logger.Info("directory: matched client to server", "match_id", matchID, "protocol", key.Protocol, "instance", key.Instance)
}

func (b *Broker) reject(conn *unixtransport.Conn, resp any) {
	m, err := encodeRecord(resp)
	if err != nil {
		return
	}
	_ = sendOne(conn, m)
}

