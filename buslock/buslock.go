// Package buslock coordinates access to the shared SPI bus and to individual
// board addresses, across both goroutines and separate host processes.
//
// Every process talking to the boards takes an advisory file lock before
// touching the bus. File locks alone are not enough: the OS lock is held per
// file description, so two goroutines sharing one descriptor would both
// appear to own it. Each Lock therefore composes an in-process semaphore with
// the file lock, acquired in that order and released in reverse.
package buslock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// DefaultAcquireTimeout is the hard ceiling on a single acquisition attempt.
// Waiting longer than this means another process is stuck holding the bus,
// and blocking forever would hide that.
const DefaultAcquireTimeout = 5 * time.Second

// pollInterval is how often the file lock is retried while waiting.
const pollInterval = 10 * time.Millisecond

// ErrTimeout is returned when a lock could not be obtained within the
// acquisition ceiling.
var ErrTimeout = errors.New("lock acquisition timed out")

// A Lock is a two-layer advisory lock: an in-process semaphore composed with
// an OS file lock on the given path. The zero value is not usable; construct
// with NewLock.
type Lock struct {
	path    string
	sem     chan struct{}
	file    *flock.Flock
	timeout time.Duration
	clock   clock.Clock
}

// NewLock returns a lock backed by the given lock file. The file is created
// on first acquisition; its contents are never used.
func NewLock(path string) *Lock {
	return &Lock{
		path:    path,
		sem:     make(chan struct{}, 1),
		file:    flock.New(path),
		timeout: DefaultAcquireTimeout,
		clock:   clock.New(),
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire obtains both lock layers, polling until they are held or the
// acquisition ceiling elapses. On success it returns a release function that
// must be called exactly once; calling it more than once is harmless. The
// release order is the reverse of acquisition: file lock first, then the
// in-process semaphore.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	ctx, cancel := l.clock.WithTimeout(ctx, l.timeout)
	defer cancel()

	// In-process layer first, so contending goroutines queue here instead of
	// hammering the filesystem.
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrTimeout, "waiting for in-process lock on %s", l.path)
	}

	locked, err := l.file.TryLockContext(ctx, pollInterval)
	if !locked {
		<-l.sem
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, errors.Wrapf(err, "locking %s", l.path)
		}
		return nil, errors.Wrapf(ErrTimeout, "waiting for file lock on %s", l.path)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			goutils.UncheckedErrorFunc(l.file.Unlock)
			<-l.sem
		})
	}
	return release, nil
}
