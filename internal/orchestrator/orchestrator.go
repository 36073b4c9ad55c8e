// Package orchestrator drives builds end to end: it admits schedule requests
// through the queue, starts builds under workspace leases, executes their
// steps on a worker pool, and records the outcome.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ubershmekel/jenkins/internal/auth"
	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/eventstore"
	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/metrics"
	"github.com/ubershmekel/jenkins/internal/model"
	"github.com/ubershmekel/jenkins/internal/queue"
	"github.com/ubershmekel/jenkins/internal/registry"
	"github.com/ubershmekel/jenkins/internal/scm"
	"github.com/ubershmekel/jenkins/internal/workspace"
)

// buildLogName is the step output file inside each build directory.
const buildLogName = "log"

// Options configures an Orchestrator.
type Options struct {
	// Workers is the executor pool size. Zero selects two.
	Workers int
	// MaxQuietDelay is forwarded to the queue.
	MaxQuietDelay time.Duration
	// Gate authorizes schedule, cancel, and wipe requests. Nil allows all.
	Gate auth.Gate
	// Events, when set, receives the build lifecycle log.
	Events *eventstore.Store
	// Metrics, when set, receives build counters and durations.
	Metrics *metrics.Recorder
}

type task struct {
	entry *registry.Entry
	build *model.Build
	lease *workspace.Lease
}

// Orchestrator owns the queue and the executor pool.
type Orchestrator struct {
	reg    *registry.Registry
	q      *queue.Queue
	gate   auth.Gate
	events *eventstore.Store
	rec    *metrics.Recorder

	workers int
	workCh  chan task
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Gate == nil {
		opts.Gate = auth.AllowAll{}
	}
	o := &Orchestrator{
		reg:     reg,
		gate:    opts.Gate,
		events:  opts.Events,
		rec:     opts.Metrics,
		workers: opts.Workers,
		workCh:  make(chan task, opts.Workers*8),
	}
	o.q = queue.New(queue.Config{
		MaxQuietDelay: opts.MaxQuietDelay,
		Starter:       o.start,
	})
	reg.WireQueue(o.scheduleFromTrigger, o.q.CancelJob)
	return o
}

// Queue exposes the build queue for status queries.
func (o *Orchestrator) Queue() *queue.Queue { return o.q }

// QueueDepth reports the number of pending items, for metrics sampling.
func (o *Orchestrator) QueueDepth() int { return len(o.q.Snapshot()) }

// Schedule admits an authorized schedule request. Repeat requests while the
// job already has a pending item coalesce: the returned handle then aliases
// the existing item.
func (o *Orchestrator) Schedule(subject, jobName string, causes ...model.Cause) (*queue.Handle, error) {
	if err := o.gate.Check(subject, auth.ActionBuild, jobName); err != nil {
		return nil, err
	}
	entry, ok := o.reg.Get(jobName)
	if !ok {
		return nil, cierrors.NotFound("job", jobName)
	}
	job := entry.Job()
	h, err := o.q.Submit(&job, causes...)
	if err != nil {
		return nil, err
	}
	o.record(jobName, "", eventstore.TypeScheduled, h.ID().String())
	return h, nil
}

// scheduleFromTrigger is the trigger-side entry point. Triggers carry no
// subject; admission failures are only logged.
func (o *Orchestrator) scheduleFromTrigger(jobName string, cause model.Cause) {
	entry, ok := o.reg.Get(jobName)
	if !ok {
		return
	}
	job := entry.Job()
	if _, err := o.q.Submit(&job, cause); err != nil {
		slog.Debug("Triggered schedule refused", logfields.Job(jobName), logfields.Error(err))
	}
}

// CancelQueueItem cancels a pending item after an authorization check against
// the item's job.
func (o *Orchestrator) CancelQueueItem(subject string, id uuid.UUID, reason string) error {
	jobName := ""
	for _, item := range o.q.Snapshot() {
		if item.ID == id {
			jobName = item.Job
			break
		}
	}
	if jobName == "" {
		return cierrors.NotFound("queue item", id.String())
	}
	if err := o.gate.Check(subject, auth.ActionCancel, jobName); err != nil {
		return err
	}
	if !o.q.Cancel(id, reason) {
		return cierrors.NotFound("queue item", id.String())
	}
	return nil
}

// WipeWorkspace deletes a job's workspace directories. Refused while any
// build or poll lease is active.
func (o *Orchestrator) WipeWorkspace(subject, jobName string) error {
	if err := o.gate.Check(subject, auth.ActionWipe, jobName); err != nil {
		return err
	}
	entry, ok := o.reg.Get(jobName)
	if !ok {
		return cierrors.NotFound("job", jobName)
	}
	return entry.Lock().Wipe()
}

// start is the queue's admission callback. It must not block: the lease is
// tried, never awaited, so a busy workspace leaves the item queued.
func (o *Orchestrator) start(jobName string, itemID uuid.UUID, causes []model.Cause) (*model.Build, bool) {
	entry, ok := o.reg.Get(jobName)
	if !ok {
		o.q.CancelJob(jobName, cierrors.JobRemoved(jobName))
		return nil, false
	}
	lease, ok := entry.Lock().TryAcquireForBuild()
	if !ok {
		if entry.Lock().Removed() {
			o.q.CancelJob(jobName, cierrors.JobRemoved(jobName))
		}
		return nil, false
	}
	build, err := entry.NewBuild(causes, lease.Path())
	if err != nil {
		lease.Release()
		slog.Error("Could not create build", logfields.Job(jobName), logfields.Error(err))
		return nil, false
	}

	o.workCh <- task{entry: entry, build: build, lease: lease}
	return build, true
}

// Run drives the queue and the executor pool until ctx is cancelled, then
// waits for in-flight builds to finish (as ABORTED, their steps having been
// cancelled).
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			for t := range o.workCh {
				o.execute(ctx, id, t)
			}
		}(i + 1)
	}

	o.q.Run(ctx)
	close(o.workCh)
	o.wg.Wait()
}

// execute runs one build to completion: checkout, steps, post-build steps,
// result, permalinks. The lease is released and the queue kicked afterwards
// so a blocked successor can start.
func (o *Orchestrator) execute(ctx context.Context, workerID int, t task) {
	defer func() {
		t.lease.Release()
		o.q.Kick()
	}()
	if o.rec != nil {
		o.rec.BuildsRunning.Inc()
		defer o.rec.BuildsRunning.Dec()
	}

	job := t.entry.Job()
	build := t.build
	started := time.Now()
	slog.Info("Build started",
		logfields.Job(job.FullName),
		logfields.BuildNumber(build.Number),
		logfields.BuildID(build.ID),
		logfields.Worker(workerID))
	o.record(job.FullName, build.ID, eventstore.TypeStarted, "")

	result, revision := o.runBuild(ctx, t, job)

	if err := t.entry.FinishBuild(build, result, revision); err != nil {
		slog.Error("Could not record build result", logfields.Job(job.FullName), logfields.BuildID(build.ID), logfields.Error(err))
	}
	o.record(job.FullName, build.ID, eventstore.TypeFinished, result.String())
	if o.rec != nil {
		o.rec.BuildsTotal.WithLabelValues(result.String()).Inc()
		o.rec.BuildDuration.Observe(time.Since(started).Seconds())
	}
	slog.Info("Build finished",
		logfields.Job(job.FullName),
		logfields.BuildNumber(build.Number),
		logfields.Result(result.String()))
}

// runBuild performs checkout, steps, and post-build steps and returns the
// final result plus the checked-out revision. Post-build steps still run
// after a step failure; their own failure downgrades SUCCESS to UNSTABLE but
// never improves anything.
func (o *Orchestrator) runBuild(ctx context.Context, t task, job model.Job) (model.Result, string) {
	build := t.build
	logFile, err := o.openBuildLog(t)
	if err != nil {
		slog.Error("Could not open build log", logfields.Job(job.FullName), logfields.BuildID(build.ID), logfields.Error(err))
		return model.ResultFailure, ""
	}
	defer logFile.Close()

	runner := &StepRunner{
		Dir:    build.WorkspacePath,
		Output: logFile,
		Env: []string{
			"JOB_NAME=" + job.FullName,
			"BUILD_NUMBER=" + strconv.Itoa(build.Number),
			"BUILD_ID=" + build.ID,
			"WORKSPACE=" + build.WorkspacePath,
		},
	}

	result := model.ResultSuccess
	revision := ""
	if job.RepoURL != "" {
		rev, err := scm.NewClient(job.RepoURL, job.Branch).Checkout(ctx, build.WorkspacePath)
		if err != nil {
			slog.Error("Checkout failed", logfields.Job(job.FullName), logfields.BuildID(build.ID), logfields.Error(err))
			return resultForError(ctx), ""
		}
		revision = rev
	}

	for _, step := range job.Steps {
		if err := runner.Run(ctx, step); err != nil {
			slog.Warn("Step failed", logfields.Job(job.FullName), logfields.BuildID(build.ID), logfields.Error(err))
			result = resultForError(ctx)
			break
		}
	}

	if result != model.ResultAborted {
		for _, step := range job.PostBuildSteps {
			if err := runner.Run(ctx, step); err != nil {
				slog.Warn("Post-build step failed", logfields.Job(job.FullName), logfields.BuildID(build.ID), logfields.Error(err))
				if ctx.Err() != nil {
					result = model.ResultAborted
				} else if result == model.ResultSuccess {
					result = model.ResultUnstable
				}
				break
			}
		}
	}
	return result, revision
}

func (o *Orchestrator) openBuildLog(t task) (*os.File, error) {
	dir, err := t.entry.BuildDir(t.build.ID)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, buildLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// resultForError maps a step or checkout error to ABORTED when the cause was
// cancellation, FAILURE otherwise.
func resultForError(ctx context.Context) model.Result {
	if ctx.Err() != nil {
		return model.ResultAborted
	}
	return model.ResultFailure
}

func (o *Orchestrator) record(job, buildID, eventType, detail string) {
	if o.events == nil {
		return
	}
	if err := o.events.Append(context.Background(), job, buildID, eventType, detail); err != nil {
		slog.Warn("Could not append build event", logfields.Job(job), logfields.Error(err))
	}
}
