package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/model"
)

// TimerTrigger schedules a build on a fixed interval or cron expression.
type TimerTrigger struct {
	Every time.Duration
	Cron  string

	tc  Context
	job gocron.Job
}

func (t *TimerTrigger) Kind() string { return KindTimer }

func (t *TimerTrigger) Start(tc Context) error {
	t.tc = tc
	if tc.Scheduler == nil {
		return fmt.Errorf("no scheduler available")
	}

	var def gocron.JobDefinition
	switch {
	case t.Cron != "":
		def = gocron.CronJob(t.Cron, false)
	case t.Every > 0:
		def = gocron.DurationJob(t.Every)
	default:
		return fmt.Errorf("timer trigger needs either a cron expression or an interval")
	}

	job, err := t.tc.Scheduler.NewJob(
		def,
		gocron.NewTask(t.fire),
		gocron.WithName(fmt.Sprintf("timer:%s", tc.JobName)),
	)
	if err != nil {
		return fmt.Errorf("register timer job: %w", err)
	}
	t.job = job
	return nil
}

func (t *TimerTrigger) fire() {
	slog.Debug("Timer fired", logfields.Job(t.tc.JobName))
	t.tc.Schedule(model.TriggerCause(KindTimer, "periodic schedule"))
}

func (t *TimerTrigger) Stop() error {
	if t.job == nil {
		return nil
	}
	return t.tc.Scheduler.RemoveJob(t.job.ID())
}

// SCMPollTrigger periodically runs the change check (under a poll lease) and
// schedules a build when the source moved.
type SCMPollTrigger struct {
	Every time.Duration

	tc  Context
	job gocron.Job
}

func (t *SCMPollTrigger) Kind() string { return KindSCMPoll }

func (t *SCMPollTrigger) Start(tc Context) error {
	t.tc = tc
	if tc.Scheduler == nil {
		return fmt.Errorf("no scheduler available")
	}
	if t.Every <= 0 {
		return fmt.Errorf("scm-poll trigger needs a polling interval")
	}
	if tc.Poll == nil {
		return fmt.Errorf("job has no pollable source")
	}

	job, err := t.tc.Scheduler.NewJob(
		gocron.DurationJob(t.Every),
		gocron.NewTask(t.poll),
		gocron.WithName(fmt.Sprintf("scm-poll:%s", tc.JobName)),
	)
	if err != nil {
		return fmt.Errorf("register poll job: %w", err)
	}
	t.job = job
	return nil
}

func (t *SCMPollTrigger) poll() {
	changed, revision, err := t.tc.Poll(context.Background())
	if err != nil {
		slog.Warn("SCM poll failed", logfields.Job(t.tc.JobName), logfields.Error(err))
		return
	}
	if !changed {
		slog.Debug("SCM poll: no changes", logfields.Job(t.tc.JobName))
		return
	}
	slog.Info("SCM poll detected changes", logfields.Job(t.tc.JobName), slog.String("revision", revision))
	t.tc.Schedule(model.TriggerCause("scm", revision))
}

func (t *SCMPollTrigger) Stop() error {
	if t.job == nil {
		return nil
	}
	return t.tc.Scheduler.RemoveJob(t.job.ID())
}
