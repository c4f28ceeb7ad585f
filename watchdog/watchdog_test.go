package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tbx.at/ccoffload/config"
)

func TestTransitionsAreRecordedInOrder(t *testing.T) {
	w := New(nil, nil, hclog.NewNullLogger())
	w.Start()
	defer w.Stop()

	w.Transition(ConnectedToScheduler)
	w.Transition(AcquiredSlave)
	// Stages may be skipped.
	w.Transition(PreprocessFinished)
	assert.Equal(t, PreprocessFinished, w.Stage())

	timings := w.Timings()
	require.Len(t, timings, 4)
	expected := []Stage{Connecting, ConnectedToScheduler, AcquiredSlave, PreprocessFinished}
	for i, timing := range timings {
		assert.Equal(t, expected[i], timing.Stage)
		if i > 0 {
			assert.False(t, timing.At.Before(timings[i-1].At), "stamps must not decrease")
		}
	}
	assert.Equal(t, time.Duration(0), timings[0].Elapsed)
}

func TestTransitionBackwardsPanics(t *testing.T) {
	w := New(nil, nil, hclog.NewNullLogger())
	w.Start()
	defer w.Stop()

	w.Transition(AcquiredSlave)
	assert.Panics(t, func() { w.Transition(AcquiredSlave) })
	assert.Panics(t, func() { w.Transition(ConnectedToScheduler) })
	assert.Equal(t, AcquiredSlave, w.Stage())
}

func TestTransitionBeforeStartPanics(t *testing.T) {
	w := New(nil, nil, hclog.NewNullLogger())
	assert.Panics(t, func() { w.Transition(ConnectedToScheduler) })
}

func TestTimeoutFiresOnce(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan Stage, 4)
	w := New(map[Stage]time.Duration{Connecting: 10 * time.Millisecond}, func(s Stage) {
		calls.Add(1)
		fired <- s
	}, hclog.NewNullLogger())
	w.Start()

	select {
	case s := <-fired:
		assert.Equal(t, Connecting, s)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
	assert.True(t, w.Stopped())

	// Transitions after the abort are ignored.
	w.Transition(ConnectedToScheduler)
	assert.Equal(t, Connecting, w.Stage())
	w.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutIsMeasuredFromStageEntry(t *testing.T) {
	fired := make(chan Stage, 1)
	w := New(map[Stage]time.Duration{
		Connecting:           200 * time.Millisecond,
		ConnectedToScheduler: 200 * time.Millisecond,
	}, func(s Stage) { fired <- s }, hclog.NewNullLogger())
	w.Start()

	time.Sleep(100 * time.Millisecond)
	w.Transition(ConnectedToScheduler)

	// Past the first deadline, but the second stage only just began.
	time.Sleep(150 * time.Millisecond)
	select {
	case s := <-fired:
		t.Fatalf("fired early in %s", s)
	default:
	}

	select {
	case s := <-fired:
		assert.Equal(t, ConnectedToScheduler, s)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestStageWithoutTimeoutNeverFires(t *testing.T) {
	fired := make(chan Stage, 1)
	w := New(map[Stage]time.Duration{Connecting: 20 * time.Millisecond}, func(s Stage) { fired <- s }, hclog.NewNullLogger())
	w.Start()
	defer w.Stop()
	w.Transition(Finished)

	select {
	case s := <-fired:
		t.Fatalf("fired in %s", s)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestStopPreventsTimeout(t *testing.T) {
	fired := make(chan Stage, 1)
	w := New(map[Stage]time.Duration{Connecting: 30 * time.Millisecond}, func(s Stage) { fired <- s }, hclog.NewNullLogger())
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
	assert.True(t, w.Stopped())

	select {
	case s := <-fired:
		t.Fatalf("fired in %s after stop", s)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTimeoutsFromConfig(t *testing.T) {
	timeouts := Timeouts(config.Default().Timeouts)
	assert.Equal(t, 2*time.Second, timeouts[Connecting])
	assert.Equal(t, 5*time.Minute, timeouts[UploadedJob])
	_, ok := timeouts[Finished]
	assert.False(t, ok)
}
