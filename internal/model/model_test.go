package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultOrdering(t *testing.T) {
	assert.True(t, ResultSuccess.IsBetterOrEqualTo(ResultUnstable))
	assert.True(t, ResultUnstable.IsBetterOrEqualTo(ResultFailure))
	assert.True(t, ResultFailure.IsBetterOrEqualTo(ResultAborted))
	assert.False(t, ResultAborted.IsBetterOrEqualTo(ResultFailure))
	assert.True(t, ResultSuccess.IsBetterOrEqualTo(ResultSuccess))
}

func TestResultRoundTrip(t *testing.T) {
	for _, r := range []Result{ResultSuccess, ResultUnstable, ResultFailure, ResultAborted} {
		assert.Equal(t, r, ParseResult(r.String()))
	}
	assert.Equal(t, ResultNone, ParseResult("bogus"))
}

func TestNewBuildID_CollisionSuffix(t *testing.T) {
	at := time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)
	used := map[string]bool{}
	taken := func(id string) bool { return used[id] }

	a := NewBuildID(at, taken)
	used[a] = true
	b := NewBuildID(at, taken)
	used[b] = true
	c := NewBuildID(at, taken)

	assert.Equal(t, "20260825_101500", a)
	assert.Equal(t, "20260825_101500_2", b)
	assert.Equal(t, "20260825_101500_3", c)
}

func TestBuildFinish(t *testing.T) {
	b := &Build{Number: 1, ID: "20260825_101500"}
	assert.False(t, b.Finished())

	done := time.Now()
	b.Finish(ResultUnstable, done)
	assert.True(t, b.Finished())
	assert.Equal(t, "UNSTABLE", b.ResultName)
	assert.Equal(t, done, b.CompletedAt)
}
