// Package workspace coordinates access to a job's on-disk working
// directories. One Lock exists per job; it arbitrates between concurrent
// build slots and between building and polling.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/logfields"
)

// Lock is the per-job workspace mutual-exclusion primitive.
//
// Policy:
//   - concurrency disallowed: at most one build lease at a time, and a build
//     lease excludes a poll lease (and vice versa). Both share one directory.
//   - concurrency allowed: every build lease gets a distinct slot directory
//     and never blocks another build. A poll only excludes other polls; it
//     inspects the primary directory without mutating it.
type Lock struct {
	mu   sync.Mutex
	cond *sync.Cond

	root    string // workspaces root directory
	jobName string // full hierarchical name, for errors and logs
	dirName string // filesystem-safe directory name

	concurrent bool
	removed    bool
	wiping     bool         // a wipe is deleting directories; no lease may be granted
	slots      map[int]bool // active build slots, 1-based
	polling    bool
}

// NewLock creates the lock for one job. root is the shared workspaces root.
func NewLock(root, jobFullName string, concurrent bool) *Lock {
	l := &Lock{
		root:       root,
		jobName:    jobFullName,
		dirName:    dirNameFor(jobFullName),
		concurrent: concurrent,
		slots:      make(map[int]bool),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// dirNameFor maps a hierarchical job name onto a single directory name.
func dirNameFor(fullName string) string {
	return strings.ReplaceAll(fullName, "/", "__")
}

// slotPath returns the directory for a build slot. Slot 1 is the primary
// workspace; higher slots get an @n suffix so simultaneous leases never share
// a path.
func (l *Lock) slotPath(slot int) string {
	if slot <= 1 {
		return filepath.Join(l.root, l.dirName)
	}
	return filepath.Join(l.root, fmt.Sprintf("%s@%d", l.dirName, slot))
}

// Lease grants access to one workspace directory for one build or poll.
type Lease struct {
	lock     *Lock
	path     string
	slot     int // 0 for poll leases
	poll     bool
	released bool
}

// Path returns the workspace directory this lease grants access to.
func (le *Lease) Path() string { return le.path }

// IsPoll reports whether this is a poll lease.
func (le *Lease) IsPoll() bool { return le.poll }

// Release frees the lease. Idempotent: releasing twice is a no-op.
func (le *Lease) Release() {
	l := le.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if le.released {
		return
	}
	le.released = true
	if le.poll {
		l.polling = false
	} else {
		delete(l.slots, le.slot)
	}
	l.cond.Broadcast()
}

// AcquireForBuild blocks until a build lease can be granted under the job's
// concurrency policy. It unblocks with a JobRemoved error if the job is
// deleted mid-wait, or with ctx.Err() on cancellation.
func (l *Lock) AcquireForBuild(ctx context.Context) (*Lease, error) {
	l.mu.Lock()
	for {
		if l.removed {
			l.mu.Unlock()
			return nil, cierrors.JobRemoved(l.jobName)
		}
		if lease, ok := l.tryBuildLocked(); ok {
			l.mu.Unlock()
			return l.materialize(lease)
		}
		if err := l.wait(ctx); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
}

// TryAcquireForBuild grants a build lease if one is available right now.
// Used by queue admission, where a blocked item must stay queued instead of
// tying up a worker.
func (l *Lock) TryAcquireForBuild() (*Lease, bool) {
	l.mu.Lock()
	if l.removed {
		l.mu.Unlock()
		return nil, false
	}
	lease, ok := l.tryBuildLocked()
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	granted, err := l.materialize(lease)
	if err != nil {
		lease.Release()
		return nil, false
	}
	return granted, true
}

func (l *Lock) tryBuildLocked() (*Lease, bool) {
	if l.wiping {
		return nil, false
	}
	if l.concurrent {
		slot := l.lowestFreeSlot()
		l.slots[slot] = true
		return &Lease{lock: l, path: l.slotPath(slot), slot: slot}, true
	}
	if len(l.slots) == 0 && !l.polling {
		l.slots[1] = true
		return &Lease{lock: l, path: l.slotPath(1), slot: 1}, true
	}
	return nil, false
}

// AcquireForPoll blocks until the change-detection operation may use the
// primary workspace. For non-concurrent jobs it excludes builds; for
// concurrent jobs it only excludes other polls.
func (l *Lock) AcquireForPoll(ctx context.Context) (*Lease, error) {
	l.mu.Lock()
	for {
		if l.removed {
			l.mu.Unlock()
			return nil, cierrors.JobRemoved(l.jobName)
		}
		free := !l.polling && !l.wiping && (l.concurrent || len(l.slots) == 0)
		if free {
			l.polling = true
			lease := &Lease{lock: l, path: l.slotPath(1), poll: true}
			l.mu.Unlock()
			return l.materialize(lease)
		}
		if err := l.wait(ctx); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
}

// wait parks on the condition variable until somebody broadcasts, honoring
// context cancellation. Caller holds l.mu. The wake goroutine takes l.mu
// before broadcasting: cond.Wait registers the waiter before releasing the
// mutex, so a cancellation arriving between our ctx check and the park cannot
// slip past the broadcast.
func (l *Lock) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.mu.Unlock()
			l.cond.Broadcast()
		case <-stop:
		}
	}()
	l.cond.Wait()
	close(stop)
	return ctx.Err()
}

// materialize creates the workspace directory after the grant decision, so
// disk I/O never happens under the lock.
func (l *Lock) materialize(lease *Lease) (*Lease, error) {
	if err := os.MkdirAll(lease.path, 0o750); err != nil {
		lease.Release()
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}
	return lease, nil
}

func (l *Lock) lowestFreeSlot() int {
	for slot := 1; ; slot++ {
		if !l.slots[slot] {
			return slot
		}
	}
}

// SetConcurrent updates the concurrency policy. Existing leases are
// unaffected; the new policy applies to subsequent grants.
func (l *Lock) SetConcurrent(allowed bool) {
	l.mu.Lock()
	l.concurrent = allowed
	l.mu.Unlock()
	l.cond.Broadcast()
}

// MarkRemoved unblocks every waiter with JobRemoved. Called on job deletion.
func (l *Lock) MarkRemoved() {
	l.mu.Lock()
	l.removed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Rename points the lock at the job's new full name and moves existing slot
// directories. The rename of each directory is best-effort: a missing source
// just means that slot was never materialized.
func (l *Lock) Rename(newFullName string) {
	l.mu.Lock()
	oldDir, newDir := l.dirName, dirNameFor(newFullName)
	l.jobName = newFullName
	l.dirName = newDir
	slots := make([]int, 0, len(l.slots)+1)
	slots = append(slots, 1)
	for s := range l.slots {
		if s != 1 {
			slots = append(slots, s)
		}
	}
	root := l.root
	l.mu.Unlock()

	for _, slot := range slots {
		oldPath := filepath.Join(root, suffixed(oldDir, slot))
		newPath := filepath.Join(root, suffixed(newDir, slot))
		if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Could not move workspace directory",
				logfields.Path(oldPath), slog.String("to", newPath), logfields.Error(err))
		}
	}
}

func suffixed(dir string, slot int) string {
	if slot <= 1 {
		return dir
	}
	return fmt.Sprintf("%s@%d", dir, slot)
}

// Wipe deletes the job's workspace directories. It refuses while any lease
// is active and succeeds silently if nothing exists on disk.
func (l *Lock) Wipe() error {
	l.mu.Lock()
	if len(l.slots) > 0 || l.polling || l.wiping {
		l.mu.Unlock()
		return fmt.Errorf("workspace of %q is in use", l.jobName)
	}
	// Block every grant, not just the primary slot: a concurrent job could
	// otherwise be handed a fresh slot directory mid-removal.
	l.wiping = true
	root, dir := l.root, l.dirName
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.wiping = false
		l.mu.Unlock()
		l.cond.Broadcast()
	}()

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspaces root: %w", err)
	}
	for _, e := range entries {
		if e.Name() == dir || strings.HasPrefix(e.Name(), dir+"@") {
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				return fmt.Errorf("wipe workspace: %w", err)
			}
			slog.Info("Wiped workspace", logfields.Job(l.jobName), logfields.Path(filepath.Join(root, e.Name())))
		}
	}
	return nil
}

// Removed reports whether the owning job was deleted.
func (l *Lock) Removed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removed
}

// ActiveLeases returns the number of currently held build leases.
func (l *Lock) ActiveLeases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
