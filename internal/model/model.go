// Package model holds the core data types of the scheduling core: jobs,
// builds, results, and causes. Types here are plain data; all locking lives
// with the owning registry entry.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result is the final outcome of a build. The zero value means the build is
// still running. Ordering: SUCCESS > UNSTABLE > FAILURE > ABORTED.
type Result int

const (
	ResultNone Result = iota // not finished yet
	ResultAborted
	ResultFailure
	ResultUnstable
	ResultSuccess
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultUnstable:
		return "UNSTABLE"
	case ResultFailure:
		return "FAILURE"
	case ResultAborted:
		return "ABORTED"
	default:
		return "NONE"
	}
}

// ParseResult is the inverse of String. Unknown strings map to ResultNone.
func ParseResult(s string) Result {
	switch s {
	case "SUCCESS":
		return ResultSuccess
	case "UNSTABLE":
		return ResultUnstable
	case "FAILURE":
		return ResultFailure
	case "ABORTED":
		return ResultAborted
	default:
		return ResultNone
	}
}

// IsBetterOrEqualTo implements the conventional result ordering.
func (r Result) IsBetterOrEqualTo(other Result) bool { return r >= other }

// Cause records why a build was scheduled.
type Cause struct {
	Kind   string    `json:"kind"` // "manual", "timer", "scm", "remote"
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func ManualCause(subject string) Cause {
	return Cause{Kind: "manual", Detail: subject, At: time.Now()}
}

func TriggerCause(kind, detail string) Cause {
	return Cause{Kind: kind, Detail: detail, At: time.Now()}
}

// Job is a configured, named unit of schedulable work. The full name is
// hierarchical ("team/app") and may change on rename/move; ID never does.
type Job struct {
	ID                 uuid.UUID     `json:"id"`
	FullName           string        `json:"fullName"`
	Kind               string        `json:"kind"`
	Disabled           bool          `json:"disabled"`
	ConcurrencyAllowed bool          `json:"concurrencyAllowed"`
	QuietPeriod        time.Duration `json:"quietPeriod"`

	// BuildsRoot optionally overrides where build records are stored. It is a
	// template re-expanded on every resolution; empty means co-located under
	// the job's own folder.
	BuildsRoot string `json:"buildsRoot,omitempty"`

	// SCM source polled and checked out into the workspace, if any.
	RepoURL string `json:"repoURL,omitempty"`
	Branch  string `json:"branch,omitempty"`

	// Steps run inside the workspace; PostBuildSteps run afterwards and may
	// downgrade a successful result to UNSTABLE.
	Steps          []string `json:"steps,omitempty"`
	PostBuildSteps []string `json:"postBuildSteps,omitempty"`
}

// Build is one executed instance of a Job. Immutable once finished, except
// for deletion.
type Build struct {
	JobID         uuid.UUID `json:"jobID"`
	JobName       string    `json:"jobName"` // full name at creation time
	Number        int       `json:"number"`
	ID            string    `json:"id"` // timestamp-derived, unique within the job
	Result        Result    `json:"-"`
	ResultName    string    `json:"result"`
	WorkspacePath string    `json:"workspacePath,omitempty"`
	Causes        []Cause   `json:"causes,omitempty"`
	Revision      string    `json:"revision,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt,omitzero"`
}

// Finished reports whether the build has a final result.
func (b *Build) Finished() bool { return b.Result != ResultNone }

// Finish sets the final result and completion time.
func (b *Build) Finish(r Result, at time.Time) {
	b.Result = r
	b.ResultName = r.String()
	b.CompletedAt = at
}

// buildIDFormat is the classic timestamp layout for on-disk build directories.
const buildIDFormat = "20060102_150405"

// NewBuildID derives a collision-free build identifier from the start time.
// taken reports whether an ID is already used within the job; collisions in
// the same second get a _2, _3... suffix.
func NewBuildID(now time.Time, taken func(string) bool) string {
	base := now.Format(buildIDFormat)
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		id := fmt.Sprintf("%s_%d", base, n)
		if !taken(id) {
			return id
		}
	}
}
