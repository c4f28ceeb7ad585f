package slot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	minPollInterval = time.Millisecond
	maxPollInterval = 50 * time.Millisecond
)

// Semaphore is a named counting semaphore shared by every process on the
// machine that opens the same name in the same directory. The free count
// lives in a small file and is only mutated while holding an exclusive
// flock(2) on it.
type Semaphore struct {
	name string
	path string

	// flock is per open file description, so goroutines sharing one
	// Semaphore also need to be serialized in-process.
	mu   sync.Mutex
	file *os.File
}

// OpenSemaphore opens the semaphore name in dir, creating it with the given
// initial count if it does not exist yet.
func OpenSemaphore(dir, name string, initial int) (*Semaphore, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	s := &Semaphore{
		name: name,
		path: path,
		file: file,
	}
	if err := s.update(func(value int, initialized bool) (int, bool) {
		if initialized {
			return value, false
		}
		return initial, true
	}); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Semaphore) Name() string {
	return s.name
}

// TryWait decrements the semaphore if its value is positive.
func (s *Semaphore) TryWait() (bool, error) {
	var acquired bool
	err := s.update(func(value int, _ bool) (int, bool) {
		if value <= 0 {
			return value, false
		}
		acquired = true
		return value - 1, true
	})
	return acquired, err
}

// Wait blocks until the semaphore could be decremented or ctx is done.
func (s *Semaphore) Wait(ctx context.Context) error {
	interval := minPollInterval
	for {
		ok, err := s.TryWait()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (s *Semaphore) Post() error {
	return s.update(func(value int, _ bool) (int, bool) {
		return value + 1, true
	})
}

func (s *Semaphore) Value() (int, error) {
	var current int
	err := s.update(func(value int, _ bool) (int, bool) {
		current = value
		return value, false
	})
	return current, err
}

func (s *Semaphore) Close() error {
	return s.file.Close()
}

// update runs fn with the current value under the cross-process lock and
// stores the value it returns when write is set.
func (s *Semaphore) update(fn func(value int, initialized bool) (newValue int, write bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fd := int(s.file.Fd())
	if err := flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock semaphore %s: %w", s.name, err)
	}
	defer flock(fd, unix.LOCK_UN)

	buf := make([]byte, 32)
	n, err := s.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read semaphore %s: %w", s.name, err)
	}
	content := strings.TrimSpace(string(buf[:n]))
	var value int
	initialized := content != ""
	if initialized {
		if value, err = strconv.Atoi(content); err != nil {
			return fmt.Errorf("semaphore %s is corrupt: %w", s.name, err)
		}
	}

	newValue, write := fn(value, initialized)
	if !write {
		return nil
	}
	data := []byte(strconv.Itoa(newValue) + "\n")
	if _, err := s.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write semaphore %s: %w", s.name, err)
	}
	return s.file.Truncate(int64(len(data)))
}

func flock(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// UnlinkSemaphore removes the name. Processes that still have the old
// semaphore open keep operating on the orphaned file.
func UnlinkSemaphore(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}
