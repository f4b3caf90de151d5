package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalPrecedencePerProcessBeatsPerApp(t *testing.T) {
	cfg := Config{
		PerProcess: map[int32]time.Duration{42: 10 * time.Millisecond},
		PerApp:     map[string]time.Duration{"app": time.Hour},
	}
	id := ClientID{AppID: "app", PID: 42}
	assert.Equal(t, 10*time.Millisecond, cfg.intervalFor(id))
}

func TestIntervalPrecedencePerAppBeatsDefault(t *testing.T) {
	cfg := Config{PerApp: map[string]time.Duration{"app": time.Minute}}
	id := ClientID{AppID: "app", PID: 42}
	assert.Equal(t, time.Minute, cfg.intervalFor(id))
}

func TestIntervalDefaultsWhenUnconfigured(t *testing.T) {
	var cfg Config
	assert.Equal(t, DefaultInterval, cfg.intervalFor(ClientID{AppID: "app", PID: 1}))
}

func TestKickedClientExpiresAfterInterval(t *testing.T) {
	id := ClientID{AppID: "app", PID: 1}
	expired := make(chan ClientID, 1)

	m := New(Config{PerProcess: map[int32]time.Duration{1: 20 * time.Millisecond}}, func(c ClientID) {
		expired <- c
	}, nil)
	m.Start()
	defer m.Stop()

	m.Kick(id)

	select {
	case got := <-expired:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("client never expired")
	}
}

func TestRepeatedKickPreventsExpiry(t *testing.T) {
	id := ClientID{AppID: "app", PID: 2}
	expired := make(chan ClientID, 1)

	m := New(Config{PerProcess: map[int32]time.Duration{2: 30 * time.Millisecond}}, func(c ClientID) {
		expired <- c
	}, nil)
	m.Start()
	defer m.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Kick(id)
			time.Sleep(10 * time.Millisecond)
		}
	}()
	<-done

	select {
	case <-expired:
		t.Fatal("client expired despite being kicked regularly")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTimeoutNowForcesImmediateExpiry(t *testing.T) {
	id := ClientID{AppID: "app", PID: 3}
	expired := make(chan ClientID, 1)

	m := New(Config{PerProcess: map[int32]time.Duration{3: time.Hour}}, func(c ClientID) {
		expired <- c
	}, nil)
	m.Start()
	defer m.Stop()

	m.Kick(id)
	m.Timeout(id, Now)

	select {
	case got := <-expired:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout(Now) never triggered expiry")
	}
}

func TestTimeoutNeverStopsTracking(t *testing.T) {
	id := ClientID{AppID: "app", PID: 4}
	m := New(Config{}, nil, nil)
	m.Start()
	defer m.Stop()

	m.Kick(id)
	require.True(t, m.Tracked(id))
	m.Timeout(id, Never)
	assert.False(t, m.Tracked(id))
}

func TestTimeoutWithGeneralDurationOverridesConfiguredInterval(t *testing.T) {
	id := ClientID{AppID: "app", PID: 6}
	expired := make(chan ClientID, 1)

	// Configured interval is an hour; Timeout's own duration should win
	// and fire in well under a second instead.
	m := New(Config{PerProcess: map[int32]time.Duration{6: time.Hour}}, func(c ClientID) {
		expired <- c
	}, nil)
	m.Start()
	defer m.Stop()

	m.Kick(id)
	start := time.Now()
	m.Timeout(id, 20*time.Millisecond)

	select {
	case got := <-expired:
		assert.Equal(t, id, got)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout with a general duration never triggered expiry")
	}
}

func TestForgetStopsTrackingWithoutExpiryCallback(t *testing.T) {
	id := ClientID{AppID: "app", PID: 5}
	expired := make(chan ClientID, 1)
	m := New(Config{PerProcess: map[int32]time.Duration{5: 10 * time.Millisecond}}, func(c ClientID) {
		expired <- c
	}, nil)
	m.Start()
	defer m.Stop()

	m.Kick(id)
	m.Forget(id)

	select {
	case <-expired:
		t.Fatal("forgotten client should not fire the expiry handler")
	case <-time.After(50 * time.Millisecond):
	}
}
