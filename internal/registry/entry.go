package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/model"
	"github.com/ubershmekel/jenkins/internal/permalink"
	"github.com/ubershmekel/jenkins/internal/scm"
	"github.com/ubershmekel/jenkins/internal/state"
	"github.com/ubershmekel/jenkins/internal/trigger"
	"github.com/ubershmekel/jenkins/internal/workspace"
)

const (
	idFileName         = "job_id"
	nextNumberFileName = "nextBuildNumber"
	buildRecordName    = "build.json"
)

// Entry bundles everything the controller keeps per job: the immutable-ID
// job config, the workspace lock, the permalink tracker, the trigger registry,
// and the in-memory build list.
type Entry struct {
	reg *Registry

	lock       *workspace.Lock
	permalinks *permalink.Tracker
	triggers   *trigger.Registry

	mu           sync.Mutex
	job          *model.Job
	builds       map[string]*model.Build
	nextNumber   int
	lastRevision string
}

// Name returns the job's current full name.
func (e *Entry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.FullName
}

// Job returns a copy of the job's current configuration.
func (e *Entry) Job() model.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.job
}

func (e *Entry) Lock() *workspace.Lock          { return e.lock }
func (e *Entry) Permalinks() *permalink.Tracker { return e.permalinks }
func (e *Entry) Triggers() *trigger.Registry    { return e.triggers }

// SetDisabled flips the job's disabled flag and persists it. Pending queue
// items are unaffected; only new submissions are refused.
func (e *Entry) SetDisabled(disabled bool) error {
	e.mu.Lock()
	e.job.Disabled = disabled
	name := e.job.FullName
	e.mu.Unlock()

	path := filepath.Join(e.reg.resolver.MetaDir(name), state.ConfigFileName)
	cfg, err := state.LoadJobConfig(path)
	if err != nil {
		return err
	}
	cfg.Disabled = disabled
	return state.SaveJobConfig(path, cfg)
}

// LastRevision is the baseline the SCM poll compares against: the revision of
// the most recent build, empty when the job never built.
func (e *Entry) LastRevision() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRevision
}

// Poll runs the change check under a poll lease: it never mutates the
// workspace and, for non-concurrent jobs, is mutually exclusive with builds.
func (e *Entry) Poll(ctx context.Context) (bool, string, error) {
	job := e.Job()
	if job.RepoURL == "" {
		return false, "", nil
	}
	lease, err := e.lock.AcquireForPoll(ctx)
	if err != nil {
		return false, "", err
	}
	defer lease.Release()
	return scm.NewClient(job.RepoURL, job.Branch).HasChanges(ctx, e.LastRevision())
}

// buildsTemplateLocked picks the builds-root template: the job's own override
// or the server-wide default. Caller holds e.mu.
func (e *Entry) buildsTemplateLocked() string {
	if e.job.BuildsRoot != "" {
		return e.job.BuildsRoot
	}
	return e.reg.opts.DefaultBuildsRoot
}

// NewBuild allocates the next build number and a collision-free build ID,
// creates the build directory, and persists the initial record. All fields
// except the finish fields are fixed here, before the build becomes visible
// to other goroutines. The number is burned even if a later step fails.
func (e *Entry) NewBuild(causes []model.Cause, workspacePath string) (*model.Build, error) {
	now := time.Now()

	e.mu.Lock()
	job := *e.job
	tmpl := e.buildsTemplateLocked()
	number := e.nextNumber
	e.nextNumber++
	id := model.NewBuildID(now, func(candidate string) bool {
		if _, exists := e.builds[candidate]; exists {
			return true
		}
		_, err := os.Stat(e.reg.resolver.Resolve(tmpl, job.FullName, candidate))
		return err == nil
	})
	b := &model.Build{
		JobID:         job.ID,
		JobName:       job.FullName,
		Number:        number,
		ID:            id,
		WorkspacePath: workspacePath,
		Causes:        append([]model.Cause(nil), causes...),
		StartedAt:     now,
	}
	e.builds[id] = b
	e.mu.Unlock()

	metaDir := e.reg.resolver.MetaDir(job.FullName)
	if err := saveNextNumber(metaDir, number+1); err != nil {
		e.dropBuild(id)
		return nil, err
	}
	if err := e.reg.resolver.RecordCreation(job.ID, tmpl, job.FullName); err != nil {
		e.dropBuild(id)
		return nil, err
	}
	dir := e.reg.resolver.Resolve(tmpl, job.FullName, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		e.dropBuild(id)
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	if err := writeBuildRecord(dir, b); err != nil {
		e.dropBuild(id)
		return nil, err
	}
	return b, nil
}

func (e *Entry) dropBuild(id string) {
	e.mu.Lock()
	delete(e.builds, id)
	e.mu.Unlock()
}

// SaveBuild rewrites a build's on-disk record, locating it through the
// resolver so records written before a rename are still found.
func (e *Entry) SaveBuild(b *model.Build) error {
	dir, err := e.BuildDir(b.ID)
	if err != nil {
		return err
	}
	return writeBuildRecord(dir, b)
}

// FinishBuild stamps the revision and final result under the entry lock,
// persists the record, and repoints the permalinks. Callers run it only after
// post-build steps, when the result cannot change anymore.
func (e *Entry) FinishBuild(b *model.Build, r model.Result, revision string) error {
	e.mu.Lock()
	if revision != "" {
		b.Revision = revision
		e.lastRevision = revision
	}
	b.Finish(r, time.Now())
	e.mu.Unlock()

	if err := e.SaveBuild(b); err != nil {
		return err
	}
	return e.permalinks.BuildFinished(b)
}

// Build returns a copy of one build. Copies are what external readers get;
// only the executing worker touches the live record.
func (e *Entry) Build(id string) (model.Build, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.builds[id]
	if !ok {
		return model.Build{}, false
	}
	return *b, true
}

// Builds returns copies of the job's builds, newest first.
func (e *Entry) Builds() []model.Build {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.buildsSnapshotLocked()
	out := make([]model.Build, len(snapshot))
	for i, b := range snapshot {
		out[i] = *b
	}
	return out
}

func (e *Entry) buildsSnapshotLocked() []*model.Build {
	out := make([]*model.Build, 0, len(e.builds))
	for _, b := range e.builds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out
}

// BuildDir locates a build's directory on disk.
func (e *Entry) BuildDir(buildID string) (string, error) {
	e.mu.Lock()
	tmpl := e.buildsTemplateLocked()
	jobPath := e.job.FullName
	jobID := e.job.ID
	e.mu.Unlock()
	return e.reg.resolver.Locate(tmpl, jobPath, jobID, buildID)
}

// DeleteBuild removes a finished build and recomputes any permalink that
// pointed at it, using a snapshot of the remaining builds taken under the
// same lock as the removal.
func (e *Entry) DeleteBuild(buildID string) error {
	e.mu.Lock()
	b, ok := e.builds[buildID]
	if !ok {
		e.mu.Unlock()
		return cierrors.NotFound("build", buildID)
	}
	if !b.Finished() {
		e.mu.Unlock()
		return fmt.Errorf("build %s of %q is still running", buildID, e.job.FullName)
	}
	delete(e.builds, buildID)
	remaining := e.buildsSnapshotLocked()
	tmpl := e.buildsTemplateLocked()
	jobPath := e.job.FullName
	jobID := e.job.ID
	e.mu.Unlock()

	if err := e.permalinks.BuildDeleted(buildID, remaining); err != nil {
		return err
	}
	dir, err := e.reg.resolver.Locate(tmpl, jobPath, jobID, buildID)
	if err != nil {
		// Record already gone from disk; in-memory removal stands.
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove build directory: %w", err)
	}
	return nil
}

// loadBuilds reads every persisted build record from the current builds root
// and any historical roots. Build numbering resumes past the highest number
// seen even if the counter file was lost.
func (e *Entry) loadBuilds() error {
	e.mu.Lock()
	tmpl := e.buildsTemplateLocked()
	jobPath := e.job.FullName
	jobID := e.job.ID
	e.mu.Unlock()

	roots := e.reg.resolver.Roots(tmpl, jobPath, jobID)

	maxNumber := 0
	var newest *model.Build
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read builds root %s: %w", root, err)
		}
		for _, de := range entries {
			if !de.IsDir() {
				continue
			}
			b, err := readBuildRecord(filepath.Join(root, de.Name()))
			if err != nil {
				continue // unreadable record, skip
			}
			e.mu.Lock()
			if _, seen := e.builds[b.ID]; !seen {
				e.builds[b.ID] = b
				if b.Number > maxNumber {
					maxNumber = b.Number
				}
				if b.Finished() && (newest == nil || b.Number > newest.Number) {
					newest = b
				}
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	if e.nextNumber <= maxNumber {
		e.nextNumber = maxNumber + 1
	}
	if newest != nil {
		e.lastRevision = newest.Revision
	}
	e.mu.Unlock()
	return nil
}

func writeBuildRecord(dir string, b *model.Build) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode build record: %w", err)
	}
	path := filepath.Join(dir, buildRecordName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write build record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace build record: %w", err)
	}
	return nil
}

func readBuildRecord(dir string) (*model.Build, error) {
	data, err := os.ReadFile(filepath.Join(dir, buildRecordName))
	if err != nil {
		return nil, err
	}
	var b model.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse build record: %w", err)
	}
	b.Result = model.ParseResult(b.ResultName)
	return &b, nil
}

func saveJobID(metaDir string, id uuid.UUID) error {
	if err := os.MkdirAll(metaDir, 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	path := filepath.Join(metaDir, idFileName)
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return fmt.Errorf("write job id: %w", err)
	}
	return nil
}

func loadJobID(metaDir string) (uuid.UUID, error) {
	data, err := os.ReadFile(filepath.Join(metaDir, idFileName))
	if err != nil {
		if os.IsNotExist(err) {
			// Jobs created by hand get an ID on first load.
			id := uuid.New()
			return id, saveJobID(metaDir, id)
		}
		return uuid.Nil, fmt.Errorf("read job id: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse job id: %w", err)
	}
	return id, nil
}

func saveNextNumber(metaDir string, n int) error {
	path := filepath.Join(metaDir, nextNumberFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(n)+"\n"), 0o640); err != nil {
		return fmt.Errorf("write build counter: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace build counter: %w", err)
	}
	return nil
}

func loadNextNumber(metaDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(metaDir, nextNumberFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read build counter: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 1 {
		return 1, nil
	}
	return n, nil
}
