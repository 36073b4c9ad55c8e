// Package registry owns the per-job state: each job's workspace lock,
// permalink tracker, trigger registry, and build list are reached through an
// explicit map from job name to entry, with lifecycle tied to job creation
// and deletion. There is no global singleton queue/lock state.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/ubershmekel/jenkins/internal/builddir"
	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/model"
	"github.com/ubershmekel/jenkins/internal/permalink"
	"github.com/ubershmekel/jenkins/internal/state"
	"github.com/ubershmekel/jenkins/internal/trigger"
	"github.com/ubershmekel/jenkins/internal/workspace"
)

// Options configures a Registry.
type Options struct {
	JobsRoot       string
	WorkspacesRoot string
	// DefaultBuildsRoot is the server-wide external builds-root template;
	// empty keeps builds co-located under each job's folder. A job's own
	// BuildsRoot overrides it.
	DefaultBuildsRoot string
	// Scheduler is the shared gocron scheduler triggers register with. May be
	// nil when no triggers are used (tests).
	Scheduler gocron.Scheduler
}

// Registry maps job full names to their entries.
type Registry struct {
	opts     Options
	resolver *builddir.Resolver

	// schedule and cancel are wired by the orchestrator: triggers feed the
	// build queue through schedule; job deletion cancels pending queue items
	// through cancel.
	schedule func(jobName string, cause model.Cause)
	cancel   func(jobName string, err error)

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		resolver: builddir.NewResolver(opts.JobsRoot),
		schedule: func(string, model.Cause) {},
		cancel:   func(string, error) {},
		entries:  make(map[string]*Entry),
	}
}

// Resolver exposes the shared build directory resolver.
func (r *Registry) Resolver() *builddir.Resolver { return r.resolver }

// WireQueue connects the registry to the build queue. Must be called before
// jobs are loaded so triggers can schedule builds.
func (r *Registry) WireQueue(schedule func(jobName string, cause model.Cause), cancel func(jobName string, err error)) {
	r.schedule = schedule
	r.cancel = cancel
}

// Get returns the entry for a job.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names lists all jobs, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateJob creates a new job from a config document. Trigger start failures
// are returned separately: they never abort the creation.
func (r *Registry) CreateJob(fullName string, cfg *state.JobConfig) (*Entry, []error, error) {
	if err := cfg.CheckKind(state.JobKindFreestyle); err != nil {
		return nil, nil, err
	}
	if err := validateName(fullName); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if _, exists := r.entries[fullName]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("job %q already exists", fullName)
	}
	r.mu.Unlock()

	metaDir := r.resolver.MetaDir(fullName)
	if err := state.SaveJobConfig(filepath.Join(metaDir, state.ConfigFileName), cfg); err != nil {
		return nil, nil, err
	}
	id := uuid.New()
	if err := saveJobID(metaDir, id); err != nil {
		return nil, nil, err
	}

	entry, failures, err := r.buildEntry(fullName, id, cfg, 1)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.entries[fullName] = entry
	r.mu.Unlock()
	slog.Info("Job created", logfields.Job(fullName))
	return entry, failures, nil
}

// LoadAll walks the jobs root and loads every directory containing a job
// document. One job failing to load is logged and skipped; its siblings
// still load.
func (r *Registry) LoadAll() error {
	root := r.opts.JobsRoot
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != state.ConfigFileName {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		fullName := filepath.ToSlash(rel)
		if _, _, loadErr := r.loadJob(fullName); loadErr != nil {
			slog.Error("Job failed to load", logfields.Job(fullName), logfields.Error(loadErr))
		}
		return nil
	})
}

func (r *Registry) loadJob(fullName string) (*Entry, []error, error) {
	metaDir := r.resolver.MetaDir(fullName)
	cfg, err := state.LoadJobConfig(filepath.Join(metaDir, state.ConfigFileName))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.CheckKind(state.JobKindFreestyle); err != nil {
		return nil, nil, err
	}
	id, err := loadJobID(metaDir)
	if err != nil {
		return nil, nil, err
	}
	if err := r.resolver.LoadHistory(fullName, id); err != nil {
		return nil, nil, err
	}

	next, err := loadNextNumber(metaDir)
	if err != nil {
		return nil, nil, err
	}

	entry, failures, err := r.buildEntry(fullName, id, cfg, next)
	if err != nil {
		return nil, nil, err
	}
	if err := entry.loadBuilds(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.entries[fullName] = entry
	r.mu.Unlock()
	slog.Info("Job loaded", logfields.Job(fullName), logfields.BuildNumber(entry.nextNumber-1))
	return entry, failures, nil
}

// buildEntry assembles the in-memory state of one job and starts its
// triggers. Per-trigger failures are collected, not fatal.
func (r *Registry) buildEntry(fullName string, id uuid.UUID, cfg *state.JobConfig, nextNumber int) (*Entry, []error, error) {
	job := jobFromConfig(fullName, id, cfg)

	tracker, err := permalink.NewTracker(r.resolver.MetaDir(fullName), nil)
	if err != nil {
		return nil, nil, err
	}

	entry := &Entry{
		reg:        r,
		job:        job,
		lock:       workspace.NewLock(r.opts.WorkspacesRoot, fullName, job.ConcurrencyAllowed),
		permalinks: tracker,
		builds:     make(map[string]*model.Build),
		nextNumber: nextNumber,
	}

	tc := trigger.Context{
		JobName:   fullName,
		Scheduler: r.opts.Scheduler,
		Schedule:  func(cause model.Cause) { r.schedule(entry.Name(), cause) },
	}
	if job.RepoURL != "" {
		tc.Poll = entry.Poll
	}
	entry.triggers = trigger.NewRegistry(tc)

	specs := make([]trigger.Spec, 0, len(cfg.Triggers))
	for _, s := range cfg.Triggers {
		specs = append(specs, s.ToSpec())
	}
	failures := trigger.Load(entry.triggers, specs)
	return entry, failures, nil
}

func jobFromConfig(fullName string, id uuid.UUID, cfg *state.JobConfig) *model.Job {
	job := &model.Job{
		ID:                 id,
		FullName:           fullName,
		Kind:               cfg.Kind,
		Disabled:           cfg.Disabled,
		ConcurrencyAllowed: cfg.ConcurrentBuild,
		QuietPeriod:        cfg.QuietPeriod.Std(),
		BuildsRoot:         cfg.BuildsRoot,
		Steps:              append([]string(nil), cfg.Steps...),
		PostBuildSteps:     append([]string(nil), cfg.PostBuildSteps...),
	}
	if cfg.SCM != nil {
		job.RepoURL = cfg.SCM.URL
		job.Branch = cfg.SCM.Branch
	}
	return job
}

// Rename moves a job to a new full name. The internal ID stays stable; build
// numbering and existing build data stay reachable. The registry lock is the
// single global ordering here, so cross-job moves cannot deadlock.
func (r *Registry) Rename(oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.entries[oldName]
	if !ok {
		r.mu.Unlock()
		return cierrors.NotFound("job", oldName)
	}
	if _, exists := r.entries[newName]; exists {
		r.mu.Unlock()
		return fmt.Errorf("job %q already exists", newName)
	}
	delete(r.entries, oldName)
	r.entries[newName] = entry
	r.mu.Unlock()

	oldDir := r.resolver.MetaDir(oldName)
	newDir := r.resolver.MetaDir(newName)
	if err := os.MkdirAll(filepath.Dir(newDir), 0o750); err != nil {
		return fmt.Errorf("create parent of %s: %w", newDir, err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("move job directory: %w", err)
	}

	entry.mu.Lock()
	entry.job.FullName = newName
	tmpl := entry.buildsTemplateLocked()
	jobID := entry.job.ID
	entry.mu.Unlock()

	entry.permalinks.SetDir(newDir)
	entry.lock.Rename(newName)
	if err := r.resolver.OnMoveOrRename(jobID, tmpl, oldName, newName); err != nil {
		return err
	}

	slog.Info("Job renamed", slog.String("from", oldName), slog.String("to", newName))
	return nil
}

// DeleteJob removes a job and all of its state. Pending queue items and
// blocked lease waiters are resolved with JobRemoved, never left hanging.
func (r *Registry) DeleteJob(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return cierrors.NotFound("job", name)
	}

	entry.triggers.StopAll()
	r.cancel(name, cierrors.JobRemoved(name))
	entry.lock.MarkRemoved()

	entry.mu.Lock()
	tmpl := entry.buildsTemplateLocked()
	jobID := entry.job.ID
	entry.mu.Unlock()

	if err := r.resolver.OnDelete(tmpl, name, jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(r.resolver.MetaDir(name)); err != nil {
		return fmt.Errorf("remove job directory: %w", err)
	}
	slog.Info("Job deleted", logfields.Job(name))
	return nil
}

func validateName(fullName string) error {
	if fullName == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	for _, part := range strings.Split(fullName, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid job name %q", fullName)
		}
	}
	return nil
}
