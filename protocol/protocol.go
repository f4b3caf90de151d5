// Package protocol implements the Protocol Registry (C1): interned protocol
// descriptors — an id string and a maximum payload size — each backed by a
// per-protocol message pool. Protocols are process-wide, created lazily on
// first reference, and never destroyed, mirroring the teacher's
// kernel.LifecycleManager map-plus-RWMutex registry shape.
package protocol

import (
	"sync"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/legato-project/messaging/message"
)

// MaxIDLen is the longest protocol id, in bytes, that Get accepts. Package
// directory's advertise/open records are JSON and carry the id as a plain
// string; they do not check its length themselves.
const MaxIDLen = 127

// Protocol is an interned, immutable-after-creation protocol descriptor.
type Protocol struct {
	id         string
	maxPayload int
	pool       sync.Pool
}

// ID returns the protocol's identity string.
func (p *Protocol) ID() string { return p.id }

// MaxPayload returns the maximum payload size, in bytes, of messages
// allocated for this protocol.
func (p *Protocol) MaxPayload() int { return p.maxPayload }

// registry is the process-wide intern table.
type registry struct {
	mu    sync.RWMutex
	byID  map[string]*Protocol
}

var global = &registry{byID: make(map[string]*Protocol)}

// Get interns a protocol descriptor. A second Get with the same id returns
// the existing descriptor; maxPayload must match on re-lookup, or this is a
// fatal programming error (spec.md §3: "fatal mismatch").
func Get(id string, maxPayload int) *Protocol {
	return global.get(id, maxPayload)
}

func (r *registry) get(id string, maxPayload int) *Protocol {
	if len(id) > MaxIDLen {
		lerrors.Fatalf("protocol: id %q exceeds %d bytes", id, MaxIDLen)
	}
	if maxPayload <= 0 {
		lerrors.Fatalf("protocol: max_payload must be positive, got %d", maxPayload)
	}

	r.mu.RLock()
	existing, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		if existing.maxPayload != maxPayload {
			lerrors.Fatalf(
				"protocol: %q re-registered with max_payload=%d, previously %d",
				id, maxPayload, existing.maxPayload,
			)
		}
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have interned it while we waited for
	// the write lock.
	if existing, ok := r.byID[id]; ok {
		if existing.maxPayload != maxPayload {
			lerrors.Fatalf(
				"protocol: %q re-registered with max_payload=%d, previously %d",
				id, maxPayload, existing.maxPayload,
			)
		}
		return existing
	}

	p := &Protocol{id: id, maxPayload: maxPayload}
	p.pool.New = func() any { return message.New(maxPayload) }
	r.byID[id] = p
	return p
}

// AllocMessage allocates a zero-initialized Message from the protocol's
// pool. The message's payload capacity equals the protocol's max_payload.
func AllocMessage(p *Protocol) *message.Message {
	m, _ := p.pool.Get().(*message.Message)
	if m == nil {
		m = message.New(p.maxPayload)
	}
	return m
}

// Recycle returns a fully-released message (refcount already at zero) to
// the protocol's pool for reuse, keeping allocation contention-free in the
// steady state. Callers (package session) must not touch m after calling
// this.
func Recycle(p *Protocol, m *message.Message) {
	if m.PayloadCapacity() != p.maxPayload {
		// Mismatched pool; drop it rather than corrupt another protocol's
		// messages.
		return
	}
	m.Reset()
	p.pool.Put(m)
}

// Reset clears the global registry. Exported only for tests that need a
// clean intern table between cases; production code never calls this, as
// protocols are documented as living for the process's lifetime.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.byID = make(map[string]*Protocol)
}
