package permalink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubershmekel/jenkins/internal/model"
)

func finished(num int, id string, r model.Result) *model.Build {
	b := &model.Build{Number: num, ID: id}
	b.Finish(r, time.Now())
	return b
}

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(t.TempDir(), nil)
	require.NoError(t, err)
	return tr
}

func TestSuccessUpdatesBothPermalinks(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultSuccess)))

	stable, ok := tr.Get(LastStable)
	require.True(t, ok)
	assert.Equal(t, "b1", stable)
	successful, ok := tr.Get(LastSuccessful)
	require.True(t, ok)
	assert.Equal(t, "b1", successful)
}

func TestUnstableOnlyMovesLastSuccessful(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultSuccess)))
	require.NoError(t, tr.BuildFinished(finished(2, "b2", model.ResultUnstable)))

	stable, _ := tr.Get(LastStable)
	assert.Equal(t, "b1", stable, "lastStable requires exactly SUCCESS")
	successful, _ := tr.Get(LastSuccessful)
	assert.Equal(t, "b2", successful)
}

func TestFailureLeavesPermalinksAlone(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultSuccess)))
	require.NoError(t, tr.BuildFinished(finished(2, "b2", model.ResultFailure)))

	stable, _ := tr.Get(LastStable)
	assert.Equal(t, "b1", stable)
	successful, _ := tr.Get(LastSuccessful)
	assert.Equal(t, "b1", successful)
}

func TestBuildDeleted_RepointsToNextNewestQualifying(t *testing.T) {
	tr := newTracker(t)
	b1 := finished(1, "b1", model.ResultSuccess)
	b2 := finished(2, "b2", model.ResultFailure)
	b3 := finished(3, "b3", model.ResultSuccess)
	for _, b := range []*model.Build{b1, b2, b3} {
		require.NoError(t, tr.BuildFinished(b))
	}

	require.NoError(t, tr.BuildDeleted("b3", []*model.Build{b1, b2}))

	stable, ok := tr.Get(LastStable)
	require.True(t, ok)
	assert.Equal(t, "b1", stable, "b2 failed, so the next qualifying build is b1")
}

func TestBuildDeleted_NoQualifyingBuildLeavesNoPointer(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir, nil)
	require.NoError(t, err)

	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultSuccess)))
	require.NoError(t, tr.BuildDeleted("b1", nil))

	_, ok := tr.Get(LastStable)
	assert.False(t, ok)
	_, ok = tr.Get(LastSuccessful)
	assert.False(t, ok)

	// The backing file is removed, not left dangling.
	_, statErr := os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildDeleted_UntargetedBuildIsNoop(t *testing.T) {
	tr := newTracker(t)
	b1 := finished(1, "b1", model.ResultSuccess)
	b2 := finished(2, "b2", model.ResultSuccess)
	require.NoError(t, tr.BuildFinished(b1))
	require.NoError(t, tr.BuildFinished(b2))

	require.NoError(t, tr.BuildDeleted("b1", []*model.Build{b2}))
	stable, _ := tr.Get(LastStable)
	assert.Equal(t, "b2", stable)
}

func TestPointersSurviveReload(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir, nil)
	require.NoError(t, err)
	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultUnstable)))

	reloaded, err := NewTracker(dir, nil)
	require.NoError(t, err)
	successful, ok := reloaded.Get(LastSuccessful)
	require.True(t, ok)
	assert.Equal(t, "b1", successful)
	_, ok = reloaded.Get(LastStable)
	assert.False(t, ok)
}

func TestWriteIsAtomic_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir, nil)
	require.NoError(t, err)
	require.NoError(t, tr.BuildFinished(finished(1, "b1", model.ResultSuccess)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}
