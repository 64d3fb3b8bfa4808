package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/applog"
)

// fakeProbe answers Ping from a settable flag and counts calls.
type fakeProbe struct {
	mu        sync.Mutex
	reachable bool
	calls     int
}

func (p *fakeProbe) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if !p.reachable {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProbe) setReachable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = v
}

func (p *fakeProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestObserver(probe Probe) *Observer {
	return NewObserver(probe, DefaultConfig(), applog.NewNop())
}

func TestObserver_OfflineBeforeFirstProbe(t *testing.T) {
	probe := &fakeProbe{reachable: true}
	observer := newTestObserver(probe)

	assert.False(t, observer.Online(), "startup reports offline until a probe says otherwise")
	assert.Zero(t, probe.callCount(), "Online never touches the network")
}

func TestObserver_CheckNow(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{}
	observer := newTestObserver(probe)

	var fired int
	observer.Subscribe(func() { fired++ })

	t.Run("UnreachableStaysOffline", func(t *testing.T) {
		assert.False(t, observer.CheckNow(ctx))
		assert.False(t, observer.Online())
		assert.Zero(t, fired)
	})

	t.Run("TransitionFiresSubscribersOnce", func(t *testing.T) {
		probe.setReachable(true)
		assert.True(t, observer.CheckNow(ctx))
		assert.True(t, observer.Online())
		assert.Equal(t, 1, fired)
	})

	t.Run("StayingOnlineDoesNotRefire", func(t *testing.T) {
		assert.True(t, observer.CheckNow(ctx))
		assert.Equal(t, 1, fired, "only the transition fires, not every probe")
	})

	t.Run("GoingOfflineIsQuiet", func(t *testing.T) {
		probe.setReachable(false)
		assert.False(t, observer.CheckNow(ctx))
		assert.False(t, observer.Online())
		assert.Equal(t, 1, fired)
	})

	t.Run("ComingBackFiresAgain", func(t *testing.T) {
		probe.setReachable(true)
		assert.True(t, observer.CheckNow(ctx))
		assert.Equal(t, 2, fired)
	})
}

func TestObserver_FirstProbeOnlineFiresSubscribers(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{reachable: true}
	observer := newTestObserver(probe)

	var fired int
	observer.Subscribe(func() { fired++ })

	assert.True(t, observer.CheckNow(ctx))
	assert.Equal(t, 1, fired, "a reachable backend at startup still triggers a drain")
}

func TestObserver_StartStop(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{reachable: true}
	observer := NewObserver(probe, Config{
		ProbeInterval:  10 * time.Millisecond,
		ProbeTimeout:   time.Second,
		SafetyInterval: time.Hour,
	}, applog.NewNop())

	require.NoError(t, observer.Start(ctx))
	assert.True(t, observer.IsRunning())

	t.Run("SecondStartFails", func(t *testing.T) {
		assert.ErrorIs(t, observer.Start(ctx), ErrObserverAlreadyRunning)
	})

	require.Eventually(t, observer.Online, time.Second, 5*time.Millisecond,
		"probe loop runs immediately on start")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, observer.Stop(stopCtx))
	assert.False(t, observer.IsRunning())

	t.Run("StopIsIdempotent", func(t *testing.T) {
		require.NoError(t, observer.Stop(stopCtx))
	})
}
