// Package trigger maintains the per-job mapping from trigger kind to at most
// one active trigger instance, backing periodic and SCM-poll scheduling.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/model"
)

const (
	KindTimer   = "timer"
	KindSCMPoll = "scm-poll"
)

// Context is what a trigger needs to do its work: the owning job's name, the
// shared gocron scheduler, a schedule callback feeding the build queue, and a
// poll callback running the change check under a poll lease.
type Context struct {
	JobName   string
	Scheduler gocron.Scheduler
	Schedule  func(cause model.Cause)
	Poll      func(ctx context.Context) (changed bool, revision string, err error)
}

// Trigger is one active scheduling source for a job.
type Trigger interface {
	Kind() string
	Start(tc Context) error
	Stop() error
}

// Registry holds the active triggers of one job, at most one per kind.
type Registry struct {
	tc Context

	mu     sync.Mutex
	active map[string]Trigger
	order  []string
}

func NewRegistry(tc Context) *Registry {
	return &Registry{tc: tc, active: make(map[string]Trigger)}
}

// Add starts the trigger and registers it. An existing trigger of the same
// kind is stopped and replaced first; otherwise the new one is appended.
func (r *Registry) Add(t Trigger) error {
	r.mu.Lock()
	old, replacing := r.active[t.Kind()]
	r.mu.Unlock()

	if replacing {
		if err := old.Stop(); err != nil {
			slog.Warn("Could not stop replaced trigger",
				logfields.Job(r.tc.JobName), logfields.Trigger(t.Kind()), logfields.Error(err))
		}
	}
	if err := t.Start(r.tc); err != nil {
		// A failed replacement leaves no active trigger of this kind; the old
		// one was already stopped.
		r.mu.Lock()
		if replacing {
			delete(r.active, t.Kind())
			r.dropOrderLocked(t.Kind())
		}
		r.mu.Unlock()
		return cierrors.TriggerInit(r.tc.JobName, t.Kind(), err)
	}

	r.mu.Lock()
	r.active[t.Kind()] = t
	if !replacing {
		r.order = append(r.order, t.Kind())
	}
	r.mu.Unlock()
	return nil
}

// Remove stops and removes the trigger of that kind; no-op if absent.
func (r *Registry) Remove(kind string) error {
	r.mu.Lock()
	t, ok := r.active[kind]
	if ok {
		delete(r.active, kind)
		r.dropOrderLocked(kind)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Stop()
}

func (r *Registry) dropOrderLocked(kind string) {
	for i, k := range r.order {
		if k == kind {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns the active trigger of a kind.
func (r *Registry) Get(kind string) (Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[kind]
	return t, ok
}

// Kinds lists active trigger kinds in registration order.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// StopAll stops every active trigger. Called on job deletion and shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	triggers := make([]Trigger, 0, len(r.active))
	for _, t := range r.active {
		triggers = append(triggers, t)
	}
	r.active = make(map[string]Trigger)
	r.order = nil
	r.mu.Unlock()

	for _, t := range triggers {
		if err := t.Stop(); err != nil {
			slog.Warn("Could not stop trigger", logfields.Job(r.tc.JobName), logfields.Trigger(t.Kind()), logfields.Error(err))
		}
	}
}

// Spec is the decoded form of one persisted trigger. The state package owns
// the on-disk layouts (including the legacy duplicate-tolerant sequence);
// Load collapses whatever it decoded to one active trigger per kind, last
// entry winning.
type Spec struct {
	Kind  string
	Every time.Duration
	Cron  string
}

// FromSpec constructs a trigger from its persisted form.
func FromSpec(spec Spec) (Trigger, error) {
	switch spec.Kind {
	case KindTimer:
		return &TimerTrigger{Every: spec.Every, Cron: spec.Cron}, nil
	case KindSCMPoll:
		return &SCMPollTrigger{Every: spec.Every}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", spec.Kind)
	}
}

// Load applies persisted trigger specs to a registry. Each spec that fails to
// construct or start is reported as a TriggerInitFailure and skipped: one bad
// trigger never prevents the job or its sibling triggers from loading.
func Load(r *Registry, specs []Spec) []error {
	var failures []error
	for _, spec := range specs {
		t, err := FromSpec(spec)
		if err != nil {
			failures = append(failures, cierrors.TriggerInit(r.tc.JobName, spec.Kind, err))
			continue
		}
		if err := r.Add(t); err != nil {
			failures = append(failures, err)
		}
	}
	for _, err := range failures {
		slog.Warn("Trigger failed to load", logfields.Job(r.tc.JobName), logfields.Error(err))
	}
	return failures
}
