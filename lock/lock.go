// Package lock coordinates advisory, non-blocking file locks with bounded
// retry.
//
// Every lock lives on a sibling file (path + ".lock"). Acquisition is
// non-blocking per attempt; on contention the Coordinator sleeps for a fixed
// interval and tries again until MaxWait elapses, then fails with ErrTimeout.
// Locks are advisory (only cooperating processes honor them) and
// non-reentrant: every acquisition opens its own file description, so a
// second acquisition from the same process contends like any other.
package lock

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Suffix is appended to a path to obtain its lock file.
const Suffix = ".lock"

const (
	// DefaultMaxWait bounds how long Acquire keeps retrying.
	DefaultMaxWait = 10 * time.Second
	// DefaultInterval is the sleep between two attempts.
	DefaultInterval = 100 * time.Millisecond
)

// ErrTimeout is returned when a lock could not be acquired within MaxWait.
// Callers should treat it as retryable.
var ErrTimeout = errors.New("lock: timed out waiting for lock")

// Mode selects shared (read) or exclusive (write) locking.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota
	// Exclusive excludes every other holder.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Locker is the platform advisory-lock primitive. TryLock must not block:
// it reports acquired=false (and a nil error) when the lock is held elsewhere.
type Locker interface {
	TryLock(f *os.File, mode Mode) (acquired bool, err error)
	Unlock(f *os.File) error
}

// Path returns the lock file path guarding path.
func Path(path string) string { return path + Suffix }

// Coordinator hands out scoped locks. The zero value is not usable; use New.
// A Coordinator is safe for concurrent use.
type Coordinator struct {
	maxWait   time.Duration
	interval  time.Duration
	locker    Locker
	log       *slog.Logger
	onTimeout func(path string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxWait sets the total retry budget. Non-positive values mean a single attempt.
func WithMaxWait(d time.Duration) Option { return func(c *Coordinator) { c.maxWait = d } }

// WithInterval sets the sleep between attempts.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLocker overrides the platform primitive (tests, exotic filesystems).
func WithLocker(l Locker) Option { return func(c *Coordinator) { c.locker = l } }

// WithLogger sets the logger used for contention warnings.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithTimeoutHook registers a callback invoked every time an acquisition times out.
func WithTimeoutHook(fn func(path string)) Option { return func(c *Coordinator) { c.onTimeout = fn } }

// New builds a Coordinator using the native platform locker.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		maxWait:  DefaultMaxWait,
		interval: DefaultInterval,
		locker:   nativeLocker{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// MaxWait reports the configured retry budget.
func (c *Coordinator) MaxWait() time.Duration { return c.maxWait }

// Handle is a held lock. Release must be called exactly once; extra calls are no-ops.
type Handle struct {
	once   sync.Once
	file   *os.File
	locker Locker
	path   string
	mode   Mode
	err    error
}

// Path returns the path the lock guards (not the lock file).
func (h *Handle) Path() string { return h.path }

// Mode returns the mode the lock was acquired in.
func (h *Handle) Mode() Mode { return h.mode }

// Release unlocks and closes the lock file.
func (h *Handle) Release() error {
	h.once.Do(func() {
		unlockErr := h.locker.Unlock(h.file)
		closeErr := h.file.Close()
		h.err = errors.CombineErrors(unlockErr, closeErr)
	})
	return h.err
}

// Acquire takes a lock on path in the given mode, retrying every interval
// until MaxWait elapses. Cancelling ctx stops the wait early.
func (c *Coordinator) Acquire(ctx context.Context, path string, mode Mode) (*Handle, error) {
	lockPath := Path(path)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "lock: open %s", lockPath)
	}

	deadline := time.Now().Add(c.maxWait)
	for attempt := 1; ; attempt++ {
		ok, err := c.locker.TryLock(f, mode)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "lock: %s lock on %s", mode, lockPath)
		}
		if ok {
			return &Handle{file: f, locker: c.locker, path: path, mode: mode}, nil
		}
		if !time.Now().Add(c.interval).Before(deadline) {
			_ = f.Close()
			if c.onTimeout != nil {
				c.onTimeout(path)
			}
			return nil, errors.Wrapf(ErrTimeout, "%s lock on %s after %d attempts", mode, path, attempt)
		}
		c.log.Warn("Lock busy, retrying.", "path", path, "mode", mode.String(),
			"attempt", attempt, "retryIn", c.interval)

		t := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			_ = f.Close()
			return nil, errors.Wrapf(ctx.Err(), "lock: waiting for %s", path)
		case <-t.C:
		}
	}
}

// With runs fn while holding a lock on path. The lock is released on every
// exit path before With returns, including panics.
func (c *Coordinator) With(ctx context.Context, path string, mode Mode, fn func() error) (err error) {
	h, err := c.Acquire(ctx, path, mode)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

// WithFile opens path with flag/perm while holding a lock and hands the open
// file to fn. Open errors are returned unwrapped so callers can test for
// fs.ErrNotExist; the lock is released before returning in every case.
func (c *Coordinator) WithFile(ctx context.Context, path string, mode Mode, flag int, perm fs.FileMode,
	fn func(f *os.File) error,
) error {
	return c.With(ctx, path, mode, func() error {
		f, err := os.OpenFile(path, flag, perm)
		if err != nil {
			return err
		}
		fnErr := fn(f)
		closeErr := f.Close()
		if fnErr != nil {
			return fnErr
		}
		return closeErr
	})
}
