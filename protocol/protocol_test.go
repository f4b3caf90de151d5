package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	m.Run()
}

func TestGetInternsSameDescriptor(t *testing.T) {
	Reset()
	p1 := Get("echo.v1", 64)
	p2 := Get("echo.v1", 64)
	assert.Same(t, p1, p2)
}

func TestGetWithMismatchedMaxPayloadPanics(t *testing.T) {
	Reset()
	Get("echo.v1", 64)
	assert.Panics(t, func() { Get("echo.v1", 128) })
}

func TestGetWithOversizedIDPanics(t *testing.T) {
	Reset()
	id := make([]byte, MaxIDLen+1)
	for i := range id {
		id[i] = 'a'
	}
	assert.Panics(t, func() { Get(string(id), 64) })
}

func TestAllocMessageHasProtocolCapacity(t *testing.T) {
	Reset()
	p := Get("echo.v1", 64)
	m := AllocMessage(p)
	require.Equal(t, 64, m.PayloadCapacity())
}

func TestRecycleReusesMessage(t *testing.T) {
	Reset()
	p := Get("echo.v1", 32)
	m := AllocMessage(p)
	m.SetTransactionID(7)
	m.Release(nil)
	Recycle(p, m)

	m2 := AllocMessage(p)
	assert.Equal(t, uint32(0), m2.TransactionID())
}

func TestConcurrentGetIsRaceFree(t *testing.T) {
	Reset()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Get("shared.v1", 16)
		}()
	}
	wg.Wait()
	p := Get("shared.v1", 16)
	assert.Equal(t, 16, p.MaxPayload())
}
