// Package builddir computes where a build's record lives on disk. Resolution
// is a pure function of the job's current path and the build's immutable
// identifier; nothing here caches absolute paths across renames.
package builddir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenFullName is substituted with the job's full hierarchical name when an
// external builds-root template is configured. It is re-evaluated on every
// resolution, so renaming a job relocates lookups without replaying history.
const TokenFullName = "${ITEM_FULL_NAME}"

// TokenRoot is substituted with the jobs root directory, letting an external
// template anchor itself relative to the controller's own storage.
const TokenRoot = "${ITEM_ROOT}"

// historyFile records the builds roots a job has ever written under, newest
// first. It is what keeps old builds reachable after a rename changes the
// template expansion.
const historyFile = "builds_history.json"

// Resolver maps (job path, build ID) to an absolute directory.
//
// Two root modes exist: co-located (default), where builds live under the
// job's own folder, and externally rooted, where a template containing
// TokenFullName picks the location. In both modes Resolve is deterministic
// given current state; Locate additionally falls back to roots recorded at
// build-creation time so data written before a rename is never lost.
type Resolver struct {
	jobsRoot string

	mu      sync.Mutex
	history map[uuid.UUID][]string
}

func NewResolver(jobsRoot string) *Resolver {
	return &Resolver{jobsRoot: jobsRoot, history: make(map[uuid.UUID][]string)}
}

// MetaDir is the job's own folder under the jobs root.
func (r *Resolver) MetaDir(jobPath string) string {
	return filepath.Join(r.jobsRoot, filepath.FromSlash(jobPath))
}

// Root returns the current ideal builds root for a job. An empty template
// selects the co-located default.
func (r *Resolver) Root(template, jobPath string) string {
	if template == "" {
		return filepath.Join(r.MetaDir(jobPath), "builds")
	}
	expanded := strings.ReplaceAll(template, TokenFullName, jobPath)
	expanded = strings.ReplaceAll(expanded, TokenRoot, r.jobsRoot)
	return filepath.Clean(expanded)
}

// Resolve computes the ideal directory for a build. Pure: no disk access, no
// cached absolutes.
func (r *Resolver) Resolve(template, jobPath, buildID string) string {
	return filepath.Join(r.Root(template, jobPath), buildID)
}

// Locate finds where an existing build actually lives: the current resolution
// first, then historical roots newest-first.
func (r *Resolver) Locate(template, jobPath string, jobID uuid.UUID, buildID string) (string, error) {
	ideal := r.Resolve(template, jobPath, buildID)
	if _, err := os.Stat(ideal); err == nil {
		return ideal, nil
	}

	r.mu.Lock()
	roots := append([]string(nil), r.history[jobID]...)
	r.mu.Unlock()

	for _, root := range roots {
		candidate := filepath.Join(root, buildID)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("build %s of %q not found under %s or %d historical roots", buildID, jobPath, ideal, len(roots))
}

// Roots returns every builds root a job may have records under: the current
// resolution first, then historical roots newest-first.
func (r *Resolver) Roots(template, jobPath string, jobID uuid.UUID) []string {
	roots := []string{r.Root(template, jobPath)}
	r.mu.Lock()
	roots = append(roots, r.history[jobID]...)
	r.mu.Unlock()
	return roots
}

// RecordCreation remembers the root a build is about to be written under.
// Called once per build creation; idempotent per root.
func (r *Resolver) RecordCreation(jobID uuid.UUID, template, jobPath string) error {
	root := r.Root(template, jobPath)
	r.mu.Lock()
	changed := r.rememberLocked(jobID, root)
	roots := append([]string(nil), r.history[jobID]...)
	r.mu.Unlock()
	if !changed {
		return nil
	}
	return r.saveHistory(jobPath, roots)
}

// rememberLocked prepends root if it is not already known. Caller holds r.mu.
func (r *Resolver) rememberLocked(jobID uuid.UUID, root string) bool {
	for _, known := range r.history[jobID] {
		if known == root {
			return false
		}
	}
	r.history[jobID] = append([]string{root}, r.history[jobID]...)
	return true
}

// OnMoveOrRename records the pre-move resolution so old data stays reachable.
// Co-located storage needs no byte move: the builds directory is nested under
// the job folder, which the registry moves as a whole.
func (r *Resolver) OnMoveOrRename(jobID uuid.UUID, template, oldPath, newPath string) error {
	if template == "" {
		// History recorded under the old co-located root is now stale; the
		// data moved with the job folder.
		r.mu.Lock()
		delete(r.history, jobID)
		r.mu.Unlock()
		return r.saveHistory(newPath, nil)
	}

	oldRoot := r.Root(template, oldPath)
	newRoot := r.Root(template, newPath)
	if oldRoot == newRoot {
		return nil
	}
	r.mu.Lock()
	r.rememberLocked(jobID, oldRoot)
	roots := append([]string(nil), r.history[jobID]...)
	r.mu.Unlock()
	return r.saveHistory(newPath, roots)
}

// OnDelete removes every builds root the job ever wrote under. Absent trees
// are not an error.
func (r *Resolver) OnDelete(template, jobPath string, jobID uuid.UUID) error {
	roots := []string{r.Root(template, jobPath)}
	r.mu.Lock()
	roots = append(roots, r.history[jobID]...)
	delete(r.history, jobID)
	r.mu.Unlock()

	for _, root := range roots {
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("remove builds root %s: %w", root, err)
		}
	}
	return nil
}

// LoadHistory reads the persisted root history for a job, typically at job
// load. Missing file means no history.
func (r *Resolver) LoadHistory(jobPath string, jobID uuid.UUID) error {
	data, err := os.ReadFile(filepath.Join(r.MetaDir(jobPath), historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read builds history: %w", err)
	}
	var doc struct {
		Roots []string `json:"roots"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse builds history: %w", err)
	}
	r.mu.Lock()
	r.history[jobID] = doc.Roots
	r.mu.Unlock()
	return nil
}

// saveHistory atomically rewrites the job's history file. Empty history
// removes the file.
func (r *Resolver) saveHistory(jobPath string, roots []string) error {
	path := filepath.Join(r.MetaDir(jobPath), historyFile)
	if len(roots) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove builds history: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	data, err := json.MarshalIndent(struct {
		Roots []string `json:"roots"`
	}{Roots: roots}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode builds history: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write builds history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace builds history: %w", err)
	}
	return nil
}
