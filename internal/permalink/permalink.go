// Package permalink maintains the named pointers ("lastStable",
// "lastSuccessful") a job keeps to its most recent qualifying builds.
//
// Pointers are stored in one small file per job, rewritten atomically via a
// temp file and rename, so a reader always sees either the old or the new
// state, never a half-written one.
package permalink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ubershmekel/jenkins/internal/model"
)

// FileName is the per-job pointer file inside the job's meta directory.
const FileName = "permalinks"

const (
	LastStable     = "lastStable"
	LastSuccessful = "lastSuccessful"
)

// Definition names a permalink and the predicate a build must satisfy.
type Definition struct {
	Name      string
	Qualifies func(model.Result) bool
}

// Defaults returns the two conventional permalinks: lastStable requires
// exactly SUCCESS, lastSuccessful also accepts UNSTABLE.
func Defaults() []Definition {
	return []Definition{
		{Name: LastStable, Qualifies: func(r model.Result) bool { return r == model.ResultSuccess }},
		{Name: LastSuccessful, Qualifies: func(r model.Result) bool { return r.IsBetterOrEqualTo(model.ResultUnstable) }},
	}
}

// Tracker owns the permalinks of one job.
type Tracker struct {
	mu      sync.Mutex
	dir     string
	defs    []Definition
	targets map[string]string // permalink name -> build ID
}

// NewTracker loads (or initializes) the tracker for the job whose meta
// directory is dir.
func NewTracker(dir string, defs []Definition) (*Tracker, error) {
	if len(defs) == 0 {
		defs = Defaults()
	}
	t := &Tracker{dir: dir, defs: defs, targets: make(map[string]string)}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the build ID a permalink currently points at.
func (t *Tracker) Get(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.targets[name]
	return id, ok
}

// Snapshot returns a copy of all current pointers.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.targets))
	for k, v := range t.targets {
		out[k] = v
	}
	return out
}

// BuildFinished repoints every permalink the finished build qualifies for.
// Callers must invoke this only once the result is final, after any
// post-build step that could still downgrade it.
func (t *Tracker) BuildFinished(b *model.Build) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for _, def := range t.defs {
		if def.Qualifies(b.Result) && t.targets[def.Name] != b.ID {
			t.targets[def.Name] = b.ID
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.writeLocked()
}

// BuildDeleted recomputes any permalink that pointed at the deleted build by
// scanning the remaining builds newest-first. A permalink with no qualifying
// build left becomes absent, never dangling.
//
// remaining must be a consistent snapshot of the job's builds taken under the
// job's build-list lock.
func (t *Tracker) BuildDeleted(buildID string, remaining []*model.Build) error {
	byNumberDesc := append([]*model.Build(nil), remaining...)
	sort.Slice(byNumberDesc, func(i, j int) bool { return byNumberDesc[i].Number > byNumberDesc[j].Number })

	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for _, def := range t.defs {
		if t.targets[def.Name] != buildID {
			continue
		}
		replacement := ""
		for _, b := range byNumberDesc {
			if b.ID != buildID && b.Finished() && def.Qualifies(b.Result) {
				replacement = b.ID
				break
			}
		}
		if replacement == "" {
			delete(t.targets, def.Name)
		} else {
			t.targets[def.Name] = replacement
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return t.writeLocked()
}

// SetDir repoints the tracker after a job rename or move. The pointer file
// itself travels inside the job's meta directory.
func (t *Tracker) SetDir(dir string) {
	t.mu.Lock()
	t.dir = dir
	t.mu.Unlock()
}

func (t *Tracker) path() string { return filepath.Join(t.dir, FileName) }

func (t *Tracker) load() error {
	f, err := os.Open(t.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open permalinks: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, id, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		t.targets[name] = id
	}
	return scanner.Err()
}

// writeLocked atomically rewrites the pointer file. No pointers left means
// the file is removed. Caller holds t.mu.
func (t *Tracker) writeLocked() error {
	path := t.path()
	if len(t.targets) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove permalinks: %w", err)
		}
		return nil
	}

	names := make([]string, 0, len(t.targets))
	for name := range t.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s %s\n", name, t.targets[name])
	}

	if err := os.MkdirAll(t.dir, 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o640); err != nil {
		return fmt.Errorf("write permalinks: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace permalinks: %w", err)
	}
	return nil
}
