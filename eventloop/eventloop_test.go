package eventloop

import (
	"context"
	"sync"
	"testing"

	lerrors "github.com/legato-project/messaging/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsOnWorkerGoroutine(t *testing.T) {
	l := New("test", 4, nil)
	l.Start()
	defer l.Stop()

	done := make(chan bool, 1)
	err := l.Post(func(ctx context.Context) {
		done <- l.IsCurrent(ctx)
	})
	require.NoError(t, err)
	assert.True(t, <-done)
}

func TestIsCurrentFalseForForeignContext(t *testing.T) {
	l := New("test", 4, nil)
	l.Start()
	defer l.Stop()

	assert.False(t, l.IsCurrent(context.Background()))
}

func TestAssertCurrentPanicsOffLoop(t *testing.T) {
	l := New("test", 4, nil)
	l.Start()
	defer l.Stop()

	assert.Panics(t, func() { l.AssertCurrent(context.Background()) })
}

func TestPostAfterStopReturnsErrStopped(t *testing.T) {
	l := New("test", 4, nil)
	l.Start()
	l.Stop()

	err := l.Post(func(context.Context) {})
	assert.Equal(t, ErrStopped, err)
}

func TestTasksRunInOrder(t *testing.T) {
	l := New("test", 8, nil)
	l.Start()
	defer l.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, l.Post(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestPanicInsideTaskIsRecoveredAndLoopSurvives(t *testing.T) {
	l := New("test", 4, nil)
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Post(func(context.Context) {
		lerrors.Fatalf("boom")
	}))

	done := make(chan struct{})
	require.NoError(t, l.Post(func(context.Context) { close(done) }))
	<-done
}
