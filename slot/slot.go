package slot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"tbx.at/ccoffload/config"
)

type Kind int

const (
	DesiredCompile Kind = iota
	Compile
	Preprocess
)

var Kinds = []Kind{Compile, Preprocess, DesiredCompile}

// Name is the well-known cross-process name of the pool.
func (k Kind) Name() string {
	switch k {
	case DesiredCompile:
		return "ccoffload.desiredCompile"
	case Compile:
		return "ccoffload.compile"
	case Preprocess:
		return "ccoffload.cpp"
	}
	panic(fmt.Sprintf("invalid slot kind %d", int(k)))
}

func (k Kind) String() string {
	switch k {
	case DesiredCompile:
		return "desired-compile"
	case Compile:
		return "compile"
	case Preprocess:
		return "preprocess"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Slot is one held unit of a pool. A nil semaphore means the pool is
// unbounded and releasing is a no-op.
type Slot struct {
	kind     Kind
	sem      *Semaphore
	manager  *Manager
	released atomic.Bool
}

func (s *Slot) Kind() Kind {
	return s.kind
}

// Release gives the unit back to its pool. Only the first call has an
// effect.
func (s *Slot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.manager.forget(s)
	s.manager.post(s)
}

// Manager hands out slots and keeps track of the ones this process holds
// so they can be returned at exit.
type Manager struct {
	dir        string
	capacities map[Kind]int
	logger     hclog.Logger

	mu       sync.Mutex
	held     atomic.Pointer[[]*Slot]
	maintain atomic.Bool
}

func NewManager(dir string, capacities map[Kind]int, logger hclog.Logger) *Manager {
	m := &Manager{
		dir:        dir,
		capacities: capacities,
		logger:     logger.Named("slots"),
	}
	m.held.Store(&[]*Slot{})
	return m
}

func NewManagerFromConfig(cfg *config.Config, logger hclog.Logger) *Manager {
	return NewManager(cfg.Slots.Dir, map[Kind]int{
		Compile:        cfg.Slots.Compile,
		Preprocess:     cfg.Slots.Preprocess,
		DesiredCompile: cfg.Slots.DesiredCompile,
	}, logger)
}

func (m *Manager) Capacity(kind Kind) int {
	if n, ok := m.capacities[kind]; ok {
		return n
	}
	return config.Unbounded
}

// open returns nil when the pool is unbounded, either by configuration or
// because the semaphore could not be opened.
func (m *Manager) open(kind Kind) *Semaphore {
	capacity := m.Capacity(kind)
	if capacity == config.Unbounded {
		return nil
	}
	sem, err := OpenSemaphore(m.dir, kind.Name(), capacity)
	if err != nil {
		m.logger.Warn("failed to open semaphore, running unbounded", "pool", kind.Name(), "slots", capacity, "error", err)
		return nil
	}
	return sem
}

// TryAcquire takes a slot of the given kind without waiting.
func (m *Manager) TryAcquire(kind Kind) (*Slot, bool) {
	sem := m.open(kind)
	if sem == nil {
		return m.track(kind, nil), true
	}
	ok, err := sem.TryWait()
	if err != nil {
		m.logger.Warn("semaphore unusable, running unbounded", "pool", kind.Name(), "error", err)
		_ = sem.Close()
		return m.track(kind, nil), true
	}
	if !ok {
		_ = sem.Close()
		return nil, false
	}
	return m.track(kind, sem), true
}

// Acquire waits for a slot of the given kind. It only fails when ctx is
// done; callers that must not fail pass a context that is never cancelled.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (*Slot, error) {
	sem := m.open(kind)
	if sem == nil {
		return m.track(kind, nil), nil
	}
	start := time.Now()
	if err := sem.Wait(ctx); err != nil {
		_ = sem.Close()
		if ctx.Err() != nil {
			return nil, err
		}
		m.logger.Warn("semaphore unusable, running unbounded", "pool", kind.Name(), "error", err)
		return m.track(kind, nil), nil
	}
	m.logger.Trace("acquired slot", "pool", kind.Name(), "waited", time.Since(start))
	return m.track(kind, sem), nil
}

func (m *Manager) track(kind Kind, sem *Semaphore) *Slot {
	s := &Slot{
		kind:    kind,
		sem:     sem,
		manager: m,
	}
	if sem == nil {
		s.released.Store(true)
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.held.Load()
	held := make([]*Slot, 0, len(old)+1)
	held = append(held, old...)
	held = append(held, s)
	m.held.Store(&held)
	return s
}

func (m *Manager) forget(s *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.held.Load()
	held := make([]*Slot, 0, len(old))
	for _, h := range old {
		if h != s {
			held = append(held, h)
		}
	}
	m.held.Store(&held)
}

func (m *Manager) post(s *Slot) {
	if s.sem == nil {
		return
	}
	if !m.maintain.Load() {
		if err := s.sem.Post(); err != nil {
			m.logger.Error("failed to release slot", "pool", s.kind.Name(), "error", err)
		}
	}
	_ = s.sem.Close()
}

// Held returns the slots that have not been released yet.
func (m *Manager) Held() []*Slot {
	var held []*Slot
	for _, s := range *m.held.Load() {
		if !s.released.Load() {
			held = append(held, s)
		}
	}
	return held
}

// ReleaseAll returns every held slot. It iterates the current snapshot
// instead of taking the manager lock; posting still locks each semaphore
// in-process and with flock. Signals arrive on an ordinary goroutine, so
// this is usable from the signal path while other goroutines are running.
func (m *Manager) ReleaseAll() {
	for _, s := range *m.held.Load() {
		if s.released.CompareAndSwap(false, true) {
			m.post(s)
		}
	}
}

// Maintain is requested by the scheduler: held slots stay consumed for the
// lifetime of the remote job and the pools are recreated from scratch by
// the next process that needs them.
func (m *Manager) Maintain() {
	m.maintain.Store(true)
	for _, kind := range Kinds {
		if m.Capacity(kind) == config.Unbounded {
			continue
		}
		if err := UnlinkSemaphore(m.dir, kind.Name()); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				m.logger.Debug("semaphore didn't exist", "pool", kind.Name())
				continue
			}
			m.logger.Error("failed to unlink semaphore", "pool", kind.Name(), "error", err)
			continue
		}
		m.logger.Debug("destroyed semaphore", "pool", kind.Name())
	}
}

func (m *Manager) Maintaining() bool {
	return m.maintain.Load()
}

// Dump writes "name value/capacity" for every bounded pool.
func (m *Manager) Dump(w io.Writer) error {
	for _, kind := range Kinds {
		capacity := m.Capacity(kind)
		if capacity == config.Unbounded {
			continue
		}
		sem, err := OpenSemaphore(m.dir, kind.Name(), capacity)
		if err != nil {
			return fmt.Errorf("failed to open semaphore %s slots: %d: %w", kind.Name(), capacity, err)
		}
		value, err := sem.Value()
		_ = sem.Close()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s %d/%d\n", kind.Name(), value, capacity); err != nil {
			return err
		}
	}
	return nil
}

// Clean unlinks every pool.
func (m *Manager) Clean() error {
	var errs []error
	for _, kind := range Kinds {
		if err := UnlinkSemaphore(m.dir, kind.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to unlink semaphore %s: %w", kind.Name(), err))
		}
	}
	return errors.Join(errs...)
}
