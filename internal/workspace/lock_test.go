package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubershmekel/jenkins/internal/cierrors"
)

func TestNonConcurrent_BuildsNeverOverlap(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)
	ctx := context.Background()

	first, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		second, err := l.AcquireForBuild(ctx)
		require.NoError(t, err)
		acquired <- second
	}()

	select {
	case <-acquired:
		t.Fatal("second build lease granted while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	second := <-acquired
	// Same job, sequential builds, same directory.
	assert.Equal(t, first.Path(), second.Path())
	second.Release()
}

func TestNonConcurrent_PollExcludesBuild(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)
	ctx := context.Background()

	poll, err := l.AcquireForPoll(ctx)
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		lease, err := l.AcquireForBuild(ctx)
		require.NoError(t, err)
		lease.Release()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("build lease granted while poll in flight")
	case <-time.After(50 * time.Millisecond):
	}

	poll.Release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("build lease not granted after poll released")
	}
}

func TestConcurrent_DistinctPathsAndSlotReuse(t *testing.T) {
	root := t.TempDir()
	l := NewLock(root, "team/app", true)
	ctx := context.Background()

	a, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)
	b, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)
	c, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)

	paths := map[string]bool{a.Path(): true, b.Path(): true, c.Path(): true}
	assert.Len(t, paths, 3, "concurrent leases must hold distinct paths")
	assert.Equal(t, filepath.Join(root, "team__app"), a.Path())
	assert.Equal(t, filepath.Join(root, "team__app@2"), b.Path())
	assert.Equal(t, filepath.Join(root, "team__app@3"), c.Path())

	// Releasing the middle slot makes it the lowest free one again.
	b.Release()
	d, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "team__app@2"), d.Path())

	for _, le := range []*Lease{a, c, d} {
		le.Release()
	}
}

func TestConcurrent_ManyBuildersHoldDistinctPaths(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", true)
	ctx := context.Background()

	const n = 16
	leases := make([]*Lease, 0, n)
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		lease, err := l.AcquireForBuild(ctx)
		require.NoError(t, err)
		leases = append(leases, lease)
		assert.Falsef(t, seen[lease.Path()], "path %s granted twice while held", lease.Path())
		seen[lease.Path()] = true
	}
	assert.Len(t, seen, n)

	var wg sync.WaitGroup
	for _, lease := range leases {
		wg.Add(1)
		go func(le *Lease) {
			defer wg.Done()
			le.Release()
		}(lease)
	}
	wg.Wait()
	assert.Equal(t, 0, l.ActiveLeases())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)
	lease, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release() // must be a no-op, never a panic or error

	again, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestMarkRemoved_UnblocksWaiters(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)
	ctx := context.Background()

	held, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)
	defer held.Release()

	errCh := make(chan error, 2)
	go func() {
		_, err := l.AcquireForBuild(ctx)
		errCh <- err
	}()
	go func() {
		_, err := l.AcquireForPoll(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	l.MarkRemoved()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.True(t, cierrors.IsKind(err, cierrors.KindJobRemoved), "got %v", err)
		case <-time.After(time.Second):
			t.Fatal("waiter still blocked after job removal")
		}
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)

	held, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.AcquireForBuild(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on context cancellation")
	}
}

func TestWipe(t *testing.T) {
	root := t.TempDir()
	l := NewLock(root, "team/app", true)
	ctx := context.Background()

	a, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)
	b, err := l.AcquireForBuild(ctx)
	require.NoError(t, err)

	// In use: wipe must refuse, not silently no-op.
	require.Error(t, l.Wipe())

	a.Release()
	b.Release()
	require.NoError(t, l.Wipe())

	if _, err := os.Stat(filepath.Join(root, "team__app")); !os.IsNotExist(err) {
		t.Fatal("primary workspace still exists after wipe")
	}
	if _, err := os.Stat(filepath.Join(root, "team__app@2")); !os.IsNotExist(err) {
		t.Fatal("slot workspace still exists after wipe")
	}

	// Wiping an already-absent workspace succeeds.
	require.NoError(t, l.Wipe())
}

func TestWipe_ExcludesNewLeases(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", true)

	// A wipe in progress. Even a concurrency-allowed job must not be handed a
	// fresh slot directory while the removal loop is running.
	l.mu.Lock()
	l.wiping = true
	l.mu.Unlock()

	_, ok := l.TryAcquireForBuild()
	assert.False(t, ok, "build lease granted mid-wipe")

	got := make(chan *Lease, 2)
	go func() {
		lease, err := l.AcquireForBuild(context.Background())
		require.NoError(t, err)
		got <- lease
	}()
	go func() {
		lease, err := l.AcquireForPoll(context.Background())
		require.NoError(t, err)
		got <- lease
	}()
	select {
	case <-got:
		t.Fatal("lease granted mid-wipe")
	case <-time.After(50 * time.Millisecond):
	}

	l.mu.Lock()
	l.wiping = false
	l.mu.Unlock()
	l.cond.Broadcast()

	for i := 0; i < 2; i++ {
		select {
		case lease := <-got:
			lease.Release()
		case <-time.After(time.Second):
			t.Fatal("lease not granted after wipe finished")
		}
	}
}

func TestAcquire_ImmediateCancellationNeverStalls(t *testing.T) {
	l := NewLock(t.TempDir(), "team/app", false)

	held, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)
	defer held.Release()

	// The cancel may land before the waiter parks; it must still come back
	// promptly instead of sleeping until the next lease release.
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := l.AcquireForBuild(ctx)
			errCh <- err
		}()
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("waiter stalled on an early cancellation")
		}
	}
}

func TestRename_MovesWorkspace(t *testing.T) {
	root := t.TempDir()
	l := NewLock(root, "team/app", false)

	lease, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)
	marker := filepath.Join(lease.Path(), "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o600))
	lease.Release()

	l.Rename("team/renamed")

	moved, err := l.AcquireForBuild(context.Background())
	require.NoError(t, err)
	defer moved.Release()
	assert.Equal(t, filepath.Join(root, "team__renamed"), moved.Path())
	if _, err := os.Stat(filepath.Join(moved.Path(), "marker")); err != nil {
		t.Fatalf("workspace contents lost on rename: %v", err)
	}
}
