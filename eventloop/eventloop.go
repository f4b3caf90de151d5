// Package eventloop implements the single-threaded, cooperative,
// non-blocking scheduling model spec.md §4.3.2 requires: each Session (and
// the Directory Broker) is pinned to exactly one owning "thread", realized
// here as one goroutine draining one task queue. There is no implicit
// thread handoff — delivering work to another loop always goes through
// that loop's Post, matching the message-passing rule in spec.md.
//
// The pattern is grounded on commbus.InMemoryCommBus's goroutine-based
// dispatch (see commbus/bus.go), narrowed from "one goroutine per handler,
// fanned out" to "one goroutine per loop, serialized" — the difference
// spec.md draws between a broker's concurrent fan-out and a session's
// single-threaded affinity.
//
// The task queue itself is unbounded: spec.md scopes flow control to
// "per-socket backpressure" only (§1 Non-goals), so the one place transport
// capacity is allowed to push back on a sender is the transport's own
// Send (package transport/unix's socket write, which can report
// WouldBlock); the event queue that carries already-accepted work between
// loops never refuses a Post.
package eventloop

import (
	"context"
	"sync"

	lerrors "github.com/legato-project/messaging/errors"
)

// Logger is the capability interface every package in this module takes by
// constructor injection instead of calling the global `log` package
// directly, matching commbus.BusLogger / grpc.Logger in the teacher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type loopKeyType struct{}

var loopKey loopKeyType

// Loop is a single-goroutine task queue: its owning goroutine is the only
// one that may execute tasks posted to it, giving every Session (and the
// Broker) thread affinity without a real OS thread per session.
type Loop struct {
	name   string
	logger Logger

	mu      sync.Mutex
	queue   []func(context.Context)
	signal  chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a Loop. queueDepth is used only as the initial queue
// capacity hint; the queue itself grows without bound.
func New(name string, queueDepth int, logger Logger) *Loop {
	if logger == nil {
		logger = noopLogger{}
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Loop{
		name:   name,
		logger: logger,
		queue:  make([]func(context.Context), 0, queueDepth),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start spawns the loop's worker goroutine. Must be called once.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	ctx := context.WithValue(context.Background(), loopKey, l)
	for {
		task, ok := l.dequeue()
		if !ok {
			return
		}
		l.runTask(ctx, task)
	}
}

func (l *Loop) dequeue() (func(context.Context), bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return task, true
		}
		if l.stopped {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.signal
	}
}

func (l *Loop) runTask(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			if fault, ok := r.(*lerrors.FaultError); ok {
				l.logger.Error("event_loop_fault", "loop", l.name, "error", fault.Error())
				return
			}
			l.logger.Error("event_loop_panic", "loop", l.name, "recovered", r)
		}
	}()
	task(ctx)
}

// Post enqueues a task for execution on the loop's owning goroutine. It
// never blocks. It returns ErrStopped if the loop has already been
// stopped; the task is then never run.
func (l *Loop) Post(task func(context.Context)) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

// Stop marks the loop stopped at once (later Posts return ErrStopped), lets
// the worker run the tasks already queued, then waits for the worker
// goroutine to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	alreadyStopped := l.stopped
	l.stopped = true
	l.mu.Unlock()

	if !alreadyStopped {
		select {
		case l.signal <- struct{}{}:
		default:
		}
	}
	<-l.done
}

// IsCurrent reports whether ctx was produced by this loop's own worker
// goroutine — i.e. whether the calling code is running with the affinity
// this loop owns.
func (l *Loop) IsCurrent(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey).(*Loop)
	return owner == l
}

// AssertCurrent panics with a *FaultError (spec.md §7: thread-affinity
// violations are programming errors) if ctx was not produced by this
// loop's worker goroutine.
func (l *Loop) AssertCurrent(ctx context.Context) {
	if !l.IsCurrent(ctx) {
		lerrors.Fatalf("eventloop %q: called from outside its owning goroutine", l.name)
	}
}

// ErrStopped is returned by Post once the loop has been stopped.
var ErrStopped = &stoppedError{}

type stoppedError struct{}

func (e *stoppedError) Error() string { return "eventloop: stopped" }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger returns a Logger that discards all output, mirroring
// commbus.NoopBusLogger.
func NoopLogger() Logger { return noopLogger{} }
