package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubershmekel/jenkins/internal/auth"
	"github.com/ubershmekel/jenkins/internal/eventstore"
	"github.com/ubershmekel/jenkins/internal/model"
	"github.com/ubershmekel/jenkins/internal/orchestrator"
	"github.com/ubershmekel/jenkins/internal/registry"
	"github.com/ubershmekel/jenkins/internal/state"
)

type testServer struct {
	ts  *httptest.Server
	reg *registry.Registry
}

func newTestServer(t *testing.T, gate auth.Gate) *testServer {
	t.Helper()
	home := t.TempDir()
	reg := registry.New(registry.Options{
		JobsRoot:       home + "/jobs",
		WorkspacesRoot: home + "/workspaces",
	})
	events, err := eventstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	orch := orchestrator.New(reg, orchestrator.Options{Workers: 1, Gate: gate, Events: events})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := New(reg, orch, events, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path, subject, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if subject != "" {
		req.Header.Set(subjectHeader, subject)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *testServer) createJob(t *testing.T, name, configYAML string) {
	t.Helper()
	resp, _ := s.do(t, http.MethodPost, "/api/jobs/"+name, "admin", configYAML)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (s *testServer) awaitResult(t *testing.T, job string, want model.Result) model.Build {
	t.Helper()
	entry, ok := s.reg.Get(job)
	require.True(t, ok)
	var final model.Build
	require.Eventually(t, func() bool {
		builds := entry.Builds()
		if len(builds) == 0 || !builds[0].Finished() {
			return false
		}
		final = builds[0]
		return true
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, final.Result)
	return final
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	resp, body := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "team/app", "kind: freestyle\nsteps:\n  - \"true\"\n")

	resp, body := s.do(t, http.MethodGet, "/api/jobs", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"team/app"}, body["jobs"])

	resp, body = s.do(t, http.MethodGet, "/api/jobs/team/app", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	job := body["job"].(map[string]any)
	assert.Equal(t, "team/app", job["fullName"])

	resp, _ = s.do(t, http.MethodDelete, "/api/jobs/team/app", "admin", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/jobs/team/app", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJob_WrongKind(t *testing.T) {
	s := newTestServer(t, nil)
	resp, body := s.do(t, http.MethodPost, "/api/jobs/app", "admin", "kind: pipeline\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "pipeline")
	assert.Contains(t, body["error"], "freestyle")
}

func TestScheduleAndPermalinks(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "team/app", "kind: freestyle\nsteps:\n  - \"true\"\n")

	resp, body := s.do(t, http.MethodPost, "/api/jobs/team/app/build", "alice", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["queueItem"])

	build := s.awaitResult(t, "team/app", model.ResultSuccess)

	resp, body = s.do(t, http.MethodGet, "/api/jobs/team/app/builds", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["builds"], 1)

	resp, body = s.do(t, http.MethodGet, "/api/jobs/team/app/permalinks/lastStable", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := body["build"].(map[string]any)
	assert.Equal(t, build.ID, got["id"])

	resp, _ = s.do(t, http.MethodGet, "/api/jobs/team/app/permalinks/lastFailed", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The event log recorded the lifecycle.
	resp, body = s.do(t, http.MethodGet, "/api/jobs/team/app/events", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["events"])
}

func TestQueueCancelOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "slow", "kind: freestyle\nquietPeriod: 1h\nsteps:\n  - \"true\"\n")

	resp, body := s.do(t, http.MethodPost, "/api/jobs/slow/build", "alice", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID := body["queueItem"].(string)

	resp, _ = s.do(t, http.MethodGet, "/api/queue", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+itemID+"/cancel", "alice", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+itemID+"/cancel", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisabledJobConflict(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "app", "kind: freestyle\ndisabled: true\nsteps:\n  - \"true\"\n")

	resp, body := s.do(t, http.MethodPost, "/api/jobs/app/build", "alice", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "disabled")

	// Enable over HTTP, then scheduling works.
	resp, _ = s.do(t, http.MethodPost, "/api/jobs/app/enable", "admin", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/api/jobs/app/build", "alice", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWipe_AuthDenied(t *testing.T) {
	gate := auth.NewRuleGate([]state.AuthRule{
		{Subject: "admin", Actions: []string{"*"}},
		{Subject: "*", Actions: []string{"build"}},
	})
	s := newTestServer(t, gate)
	s.createJob(t, "app", "kind: freestyle\nsteps:\n  - \"true\"\n")

	resp, body := s.do(t, http.MethodPost, "/api/jobs/app/wipe", "mallory", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	// The denial names subject, action, and job instead of a generic message.
	assert.Contains(t, body["error"], "mallory")
	assert.Contains(t, body["error"], "wipe")
	assert.Contains(t, body["error"], "app")

	resp, _ = s.do(t, http.MethodPost, "/api/jobs/app/wipe", "admin", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRenameOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "team/app", "kind: freestyle\nsteps:\n  - \"true\"\n")

	resp, _ := s.do(t, http.MethodPost, "/api/jobs/team/app/rename?to=platform/app", "admin", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/jobs/platform/app", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/jobs/team/app", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteBuildOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	s.createJob(t, "app", "kind: freestyle\nsteps:\n  - \"true\"\n")

	resp, _ := s.do(t, http.MethodPost, "/api/jobs/app/build", "alice", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	build := s.awaitResult(t, "app", model.ResultSuccess)

	resp, _ = s.do(t, http.MethodDelete, "/api/jobs/app/builds/"+build.ID, "admin", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/jobs/app/builds/"+build.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
