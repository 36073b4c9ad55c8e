package eventstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndQuery(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "team/app", "b1", TypeScheduled, ""))
	require.NoError(t, s.Append(ctx, "team/app", "b1", TypeStarted, ""))
	require.NoError(t, s.Append(ctx, "team/app", "b1", TypeFinished, "SUCCESS"))
	require.NoError(t, s.Append(ctx, "team/app", "b2", TypeScheduled, ""))
	require.NoError(t, s.Append(ctx, "other/job", "b1", TypeScheduled, ""))

	events, err := s.ForBuild(ctx, "team/app", "b1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, TypeScheduled, events[0].Type)
	assert.Equal(t, TypeFinished, events[2].Type)
	assert.Equal(t, "SUCCESS", events[2].Detail)

	jobEvents, err := s.ForJob(ctx, "team/app", 10)
	require.NoError(t, err)
	require.Len(t, jobEvents, 4)
	// Newest first.
	assert.Equal(t, "b2", jobEvents[0].BuildID)
}

func TestForJob_Limit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "j", "b", TypeScheduled, ""))
	}
	events, err := s.ForJob(ctx, "j", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
