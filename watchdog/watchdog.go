// Package watchdog bounds the time a compile may spend in each negotiation
// stage before it is forced onto the local compiler.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"tbx.at/ccoffload/config"
)

type Stage int

const (
	Connecting Stage = iota
	ConnectedToScheduler
	AcquiredSlave
	ConnectedToSlave
	PreprocessFinished
	UploadedJob
	Finished

	numStages
)

func (s Stage) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case ConnectedToScheduler:
		return "ConnectedToScheduler"
	case AcquiredSlave:
		return "AcquiredSlave"
	case ConnectedToSlave:
		return "ConnectedToSlave"
	case PreprocessFinished:
		return "PreprocessFinished"
	case UploadedJob:
		return "UploadedJob"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Timeouts maps every stage to the time the compile may stay in it.
func Timeouts(t config.Timeouts) map[Stage]time.Duration {
	return map[Stage]time.Duration{
		Connecting:           t.SchedulerConnect,
		ConnectedToScheduler: t.AcquireSlave,
		AcquiredSlave:        t.SlaveConnect,
		ConnectedToSlave:     t.Preprocess,
		PreprocessFinished:   t.UploadJob,
		UploadedJob:          t.Compile,
	}
}

type Timing struct {
	Stage   Stage
	At      time.Time
	Elapsed time.Duration
}

// Watchdog tracks the current stage. A stage without a positive timeout
// can be stayed in forever.
type Watchdog struct {
	timeouts  map[Stage]time.Duration
	onTimeout func(Stage)
	logger    hclog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stage   Stage
	stamps  [numStages]time.Time
	wakeup  chan struct{}
}

func New(timeouts map[Stage]time.Duration, onTimeout func(Stage), logger hclog.Logger) *Watchdog {
	return &Watchdog{
		timeouts:  timeouts,
		onTimeout: onTimeout,
		logger:    logger.Named("watchdog"),
		wakeup:    make(chan struct{}),
	}
}

// Start enters Connecting and arms the timer.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		panic("watchdog started twice")
	}
	w.started = true
	w.stage = Connecting
	w.stamps[Connecting] = time.Now()
	go w.run()
}

// broadcast must be called with mu held.
func (w *Watchdog) broadcast() {
	close(w.wakeup)
	w.wakeup = make(chan struct{})
}

// Transition moves to a later stage. Going backwards or repeating a stage
// is a bug in the caller.
func (w *Watchdog) Transition(stage Stage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.logger.Debug("ignoring transition after stop", "stage", stage)
		return
	}
	if !w.started {
		panic(fmt.Sprintf("watchdog transition to %s before start", stage))
	}
	if stage <= w.stage || stage >= numStages {
		panic(fmt.Sprintf("invalid watchdog transition from %s to %s", w.stage, stage))
	}
	w.stage = stage
	w.stamps[stage] = time.Now()
	w.logger.Debug("transition", "stage", stage, "elapsed", w.stamps[stage].Sub(w.stamps[Connecting]))
	w.broadcast()
}

// Stop disarms the watchdog. It may be called any number of times from any
// goroutine and never blocks on the timer goroutine.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.started {
		w.broadcast()
	}
}

func (w *Watchdog) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Watchdog) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

// Timings returns the stages reached so far in order.
func (w *Watchdog) Timings() []Timing {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	start := w.stamps[Connecting]
	var timings []Timing
	for s := Connecting; s < numStages; s++ {
		if w.stamps[s].IsZero() {
			continue
		}
		timings = append(timings, Timing{
			Stage:   s,
			At:      w.stamps[s],
			Elapsed: w.stamps[s].Sub(start),
		})
	}
	return timings
}

func (w *Watchdog) run() {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		stage := w.stage
		wakeup := w.wakeup
		var timer *time.Timer
		var expired <-chan time.Time
		if timeout := w.timeouts[stage]; timeout > 0 {
			timer = time.NewTimer(time.Until(w.stamps[stage].Add(timeout)))
			expired = timer.C
		}
		w.mu.Unlock()

		select {
		case <-wakeup:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-expired:
		}

		w.mu.Lock()
		if w.stopped || w.stage != stage {
			w.mu.Unlock()
			continue
		}
		w.stopped = true
		w.broadcast()
		elapsed := time.Since(w.stamps[Connecting])
		w.mu.Unlock()

		w.logger.Warn("timed out", "stage", stage, "timeout", w.timeouts[stage], "elapsed", elapsed)
		if w.onTimeout != nil {
			w.onTimeout(stage)
		}
		return
	}
}
