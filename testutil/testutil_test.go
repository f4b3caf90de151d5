package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordingLoggerCapturesEntries(t *testing.T) {
	log := NewRecordingLogger()
	log.Info("hello", "key", "value")
	log.Error("oops")

	assert.True(t, log.HasEntry("info", "hello"))
	assert.True(t, log.HasEntry("error", "oops"))
	assert.False(t, log.HasEntry("warn", "hello"))
	assert.Len(t, log.Entries(), 2)
}

func TestRecordingLoggerClear(t *testing.T) {
	log := NewRecordingLogger()
	log.Debug("one")
	log.Clear()
	assert.Empty(t, log.Entries())
}

func TestNewTestMessageAllocatesRequestedCapacity(t *testing.T) {
	m := NewTestMessage(32)
	assert.Equal(t, 32, m.PayloadCapacity())
}
