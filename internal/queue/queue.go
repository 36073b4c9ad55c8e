// Package queue admits and deduplicates schedule requests. Each job has at
// most one pending item; repeat submissions inside the quiet period coalesce
// into it instead of producing extra builds.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/model"
)

// Starter attempts to start a queue item once its quiet period has elapsed.
// It must return quickly: acquire the workspace lease non-blockingly, hand
// the build to an executor, and report it. ok=false means no lease could be
// granted right now and the item stays queued (blocked), not dropped.
type Starter func(jobName string, itemID uuid.UUID, causes []model.Cause) (build *model.Build, ok bool)

// Config tunes queue behavior.
type Config struct {
	// MaxQuietDelay caps how far repeat submissions can push an item's start.
	// The quiet period is refreshed by every submission (coalescing), but an
	// item leaves the queue at most MaxQuietDelay after it was first queued,
	// or after the job's own quiet period if that is longer. Zero selects one
	// minute.
	MaxQuietDelay time.Duration

	Starter Starter
}

const defaultMaxQuietDelay = time.Minute

// Item is one pending, not-yet-started schedule request.
type Item struct {
	id       uuid.UUID
	jobName  string
	causes   []model.Cause
	queuedAt time.Time
	due      time.Time // refreshed by repeat submissions
	maxDue   time.Time // hard cap derived from MaxQuietDelay

	blocked   bool
	starting  bool // Starter is mid-flight; the item can no longer be cancelled directly
	started   bool
	cancelled bool
	cancelErr error // cancellation requested while starting, applied if the start fails
	build     *model.Build
	err       error
	done      chan struct{}
}

// Handle is a caller's reference to a queue item. Several handles may alias
// the same item when submissions were deduplicated.
type Handle struct {
	q    *Queue
	item *Item
}

// ID identifies the underlying queue item; deduplicated handles share it.
func (h *Handle) ID() uuid.UUID { return h.item.id }

// Get suspends the caller until the item has either started (returning the
// Build) or been cancelled (returning the cancellation error).
func (h *Handle) Get(ctx context.Context) (*model.Build, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.item.done:
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if h.item.build != nil {
		return h.item.build, nil
	}
	return nil, h.item.err
}

// ItemView is the externally visible state of a queue item.
type ItemView struct {
	ID       uuid.UUID     `json:"id"`
	Job      string        `json:"job"`
	QueuedAt time.Time     `json:"queuedAt"`
	Due      time.Time     `json:"due"`
	Blocked  bool          `json:"blocked"`
	Causes   []model.Cause `json:"causes,omitempty"`
}

// Queue is the single-controller build queue.
type Queue struct {
	cfg Config

	mu    sync.Mutex
	items map[string]*Item // pending item per job name
	byID  map[uuid.UUID]*Item
	wake  chan struct{}
}

func New(cfg Config) *Queue {
	if cfg.MaxQuietDelay <= 0 {
		cfg.MaxQuietDelay = defaultMaxQuietDelay
	}
	return &Queue{
		cfg:   cfg,
		items: make(map[string]*Item),
		byID:  make(map[uuid.UUID]*Item),
		wake:  make(chan struct{}, 1),
	}
}

// Submit admits a schedule request for the job. Disabled jobs are refused
// with AdmissionDenied. While the job already has a pending item, the request
// coalesces into it: the returned handle aliases the existing item and the
// quiet period is refreshed (bounded by MaxQuietDelay).
func (q *Queue) Submit(job *model.Job, causes ...model.Cause) (*Handle, error) {
	if job.Disabled {
		return nil, cierrors.AdmissionDenied(job.FullName)
	}

	now := time.Now()
	q.mu.Lock()
	if existing, ok := q.items[job.FullName]; ok && !existing.started && !existing.cancelled {
		existing.causes = append(existing.causes, causes...)
		existing.due = now.Add(job.QuietPeriod)
		q.mu.Unlock()
		q.kick()
		slog.Debug("Schedule request coalesced", logfields.Job(job.FullName), logfields.QueueItem(existing.id.String()))
		return &Handle{q: q, item: existing}, nil
	}

	maxDelay := q.cfg.MaxQuietDelay
	if job.QuietPeriod > maxDelay {
		maxDelay = job.QuietPeriod
	}
	item := &Item{
		id:       uuid.New(),
		jobName:  job.FullName,
		causes:   causes,
		queuedAt: now,
		due:      now.Add(job.QuietPeriod),
		maxDue:   now.Add(maxDelay),
		done:     make(chan struct{}),
	}
	q.items[job.FullName] = item
	q.byID[item.id] = item
	q.mu.Unlock()
	q.kick()

	slog.Info("Build queued", logfields.Job(job.FullName), logfields.QueueItem(item.id.String()))
	return &Handle{q: q, item: item}, nil
}

// Cancel cancels a pending item by ID. Returns false if the item is unknown,
// already started, or currently being started: once the Starter is mid-flight
// a workspace may already be leased, so the cancel is too late.
func (q *Queue) Cancel(id uuid.UUID, reason string) bool {
	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok || item.started || item.starting || item.cancelled {
		q.mu.Unlock()
		return false
	}
	q.cancelLocked(item, cierrors.Cancelled(item.jobName, reason))
	q.mu.Unlock()
	return true
}

// CancelJob cancels the job's pending item, if any, with the given error.
// Used on job deletion so blocked callers surface JobRemoved. An item whose
// Starter is mid-flight gets the cancellation recorded instead: tryStart
// applies it if the start does not produce a build. This is also how a
// Starter that finds its job gone resolves its own item.
func (q *Queue) CancelJob(jobName string, err error) {
	q.mu.Lock()
	if item, ok := q.items[jobName]; ok && !item.started && !item.cancelled {
		if item.starting {
			item.cancelErr = err
		} else {
			q.cancelLocked(item, err)
		}
	}
	q.mu.Unlock()
}

// cancelLocked resolves an item as cancelled. Caller holds q.mu.
func (q *Queue) cancelLocked(item *Item, err error) {
	item.cancelled = true
	item.err = err
	delete(q.items, item.jobName)
	delete(q.byID, item.id)
	close(item.done)
	slog.Info("Queue item cancelled", logfields.Job(item.jobName), logfields.QueueItem(item.id.String()), logfields.Error(err))
}

// Kick re-examines blocked items. Call after a workspace lease is released.
func (q *Queue) Kick() { q.kick() }

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Snapshot exposes queue membership to status queries.
func (q *Queue) Snapshot() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ItemView, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, ItemView{
			ID:       item.id,
			Job:      item.jobName,
			QueuedAt: item.queuedAt,
			Due:      item.deadline(),
			Blocked:  item.blocked,
			Causes:   append([]model.Cause(nil), item.causes...),
		})
	}
	return out
}

// deadline is the moment the item should leave the queue: the refreshed quiet
// deadline, hard-capped by maxDue.
func (it *Item) deadline() time.Time {
	if it.due.After(it.maxDue) {
		return it.maxDue
	}
	return it.due
}

// Run drives the queue until ctx is cancelled: items whose deadline elapsed
// are handed to the Starter; items the Starter cannot place stay queued as
// blocked and are retried on every Kick.
func (q *Queue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		due, next := q.collect()
		for _, item := range due {
			q.tryStart(item)
		}

		var timerC <-chan time.Time
		if !next.IsZero() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timerC:
		}
	}
}

// collect partitions pending items into due-now and the nearest future
// deadline. Blocked items are due by definition and retried on every pass.
func (q *Queue) collect() (due []*Item, next time.Time) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		d := item.deadline()
		if !now.Before(d) {
			due = append(due, item)
		} else if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return due, next
}

// tryStart runs the admission check. Holding no queue lock while the Starter
// runs keeps lease decisions and disk work out of the queue's critical
// section; the starting flag keeps cancellation from resolving the item while
// the Starter may already be leasing a workspace and creating the build.
func (q *Queue) tryStart(item *Item) {
	q.mu.Lock()
	if item.started || item.starting || item.cancelled {
		q.mu.Unlock()
		return
	}
	item.starting = true
	causes := append([]model.Cause(nil), item.causes...)
	q.mu.Unlock()

	build, ok := q.cfg.Starter(item.jobName, item.id, causes)

	q.mu.Lock()
	defer q.mu.Unlock()
	item.starting = false
	if !ok {
		if item.cancelErr != nil {
			q.cancelLocked(item, item.cancelErr)
			return
		}
		if !item.blocked {
			item.blocked = true
			slog.Debug("Queue item blocked on workspace lease", logfields.Job(item.jobName), logfields.QueueItem(item.id.String()))
		}
		return
	}
	item.started = true
	item.blocked = false
	item.build = build
	delete(q.items, item.jobName)
	delete(q.byID, item.id)
	close(item.done)
	slog.Info("Build left the queue",
		logfields.Job(item.jobName),
		logfields.QueueItem(item.id.String()),
		logfields.BuildNumber(build.Number))
}
