// Package testutil provides shared test doubles for the messaging core's
// own package tests: a recording eventloop.Logger and small constructors
// for test messages/protocols, following coreengine/testutil/testutil.go's
// recording-mock style (a struct capturing calls under a mutex, a
// constructor, and Get*/Has* accessors for assertions).
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/legato-project/messaging/message"
	"github.com/legato-project/messaging/protocol"
)

// LogEntry records one call made through RecordingLogger.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// RecordingLogger implements eventloop.Logger, capturing every call for
// assertion instead of writing anything out.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) Debug(msg string, keysAndValues ...any) { l.record("debug", msg, keysAndValues) }
func (l *RecordingLogger) Info(msg string, keysAndValues ...any)  { l.record("info", msg, keysAndValues) }
func (l *RecordingLogger) Warn(msg string, keysAndValues ...any)  { l.record("warn", msg, keysAndValues) }
func (l *RecordingLogger) Error(msg string, keysAndValues ...any) { l.record("error", msg, keysAndValues) }

func (l *RecordingLogger) record(level, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Fields: keysAndValues})
}

// Entries returns a copy of every captured log entry.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// HasEntry reports whether a log entry at level with message msg was
// captured.
func (l *RecordingLogger) HasEntry(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

// Clear discards all captured entries.
func (l *RecordingLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// NewTestProtocol interns a protocol under id exactly as given. The
// registry is process-wide, so tests that must not collide pass ids of
// their own (t.Name(), for example).
func NewTestProtocol(id string, maxPayload int) *protocol.Protocol {
	return protocol.Get(id, maxPayload)
}

var scratchProtocolSeq atomic.Int64

// NewTestMessage allocates a message from a freshly interned protocol
// sized to payloadLen. Each call interns a uniquely-named protocol, since
// the registry is process-wide and re-registering one id with a different
// max_payload is a fatal error.
func NewTestMessage(payloadLen int) *message.Message {
	id := fmt.Sprintf("testutil.scratch.%d", scratchProtocolSeq.Add(1))
	p := protocol.Get(id, payloadLen)
	return protocol.AllocMessage(p)
}
