package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsDefaultsWhenUnset(t *testing.T) {
	Reset()
	defer Reset()

	cfg := Get()
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSetOverridesGet(t *testing.T) {
	Reset()
	defer Reset()

	custom := DefaultConfig()
	custom.AcceptBacklog = 128
	Set(custom)

	assert.Equal(t, 128, Get().AcceptBacklog)
}

func TestResetClearsInjectedConfig(t *testing.T) {
	Reset()
	defer Reset()

	custom := DefaultConfig()
	custom.LogLevel = "DEBUG"
	Set(custom)
	Reset()

	assert.Equal(t, "INFO", Get().LogLevel)
}
