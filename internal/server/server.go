// Package server exposes the controller over HTTP: job management, build
// scheduling, queue inspection, permalink resolution, and workspace wipes.
//
// Job names are hierarchical and may contain slashes, so job routes match a
// wildcard and recognize a reserved trailing segment (build, wipe, builds,
// permalinks, events, rename, enable, disable) as the operation.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/eventstore"
	"github.com/ubershmekel/jenkins/internal/logfields"
	"github.com/ubershmekel/jenkins/internal/metrics"
	"github.com/ubershmekel/jenkins/internal/model"
	"github.com/ubershmekel/jenkins/internal/orchestrator"
	"github.com/ubershmekel/jenkins/internal/registry"
	"github.com/ubershmekel/jenkins/internal/state"
)

// subjectHeader carries the caller identity. Absent means "anonymous".
const subjectHeader = "X-Auth-Subject"

// Server is the HTTP front of the controller.
type Server struct {
	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
	events *eventstore.Store
	rec    *metrics.Recorder
	router chi.Router
}

func New(reg *registry.Registry, orch *orchestrator.Orchestrator, events *eventstore.Store, rec *metrics.Recorder) *Server {
	s := &Server{reg: reg, orch: orch, events: events, rec: rec}
	s.router = s.routes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.rec != nil {
		r.Method(http.MethodGet, "/metrics", s.rec.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/{id}/cancel", s.handleQueueCancel)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/*", s.handleJobGet)
		r.Post("/jobs/*", s.handleJobPost)
		r.Delete("/jobs/*", s.handleJobDelete)
	})
	return r
}

func subject(r *http.Request) string {
	if s := r.Header.Get(subjectHeader); s != "" {
		return s
	}
	return "anonymous"
}

// reservedVerbs are path segments the job routes claim for operations; a job
// name cannot end in one of them.
var reservedVerbs = map[string]bool{
	"build": true, "wipe": true, "rename": true,
	"enable": true, "disable": true,
	"builds": true, "events": true,
}

// splitVerb peels a reserved trailing segment off the wildcard remainder.
func splitVerb(wild string) (job, verb string) {
	wild = strings.Trim(wild, "/")
	i := strings.LastIndex(wild, "/")
	if i < 0 {
		return wild, ""
	}
	if last := wild[i+1:]; reservedVerbs[last] {
		return wild[:i], last
	}
	return wild, ""
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Queue().Snapshot())
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, cierrors.NotFound("queue item", chi.URLParam(r, "id")))
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by " + subject(r)
	}
	if err := s.orch.CancelQueueItem(subject(r), id, reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.reg.Names()})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	wild := chi.URLParam(r, "*")

	if i := strings.Index(wild, "/permalinks/"); i >= 0 {
		s.handlePermalink(w, wild[:i], wild[i+len("/permalinks/"):])
		return
	}
	if i := strings.Index(wild, "/builds/"); i >= 0 {
		s.handleBuildGet(w, wild[:i], wild[i+len("/builds/"):])
		return
	}

	job, verb := splitVerb(wild)
	entry, ok := s.reg.Get(job)
	if !ok {
		writeError(w, cierrors.NotFound("job", job))
		return
	}
	switch verb {
	case "builds":
		writeJSON(w, http.StatusOK, map[string]any{"builds": entry.Builds()})
	case "events":
		s.handleJobEvents(w, r, job)
	case "":
		writeJSON(w, http.StatusOK, map[string]any{
			"job":        entry.Job(),
			"permalinks": entry.Permalinks().Snapshot(),
			"triggers":   entry.Triggers().Kinds(),
		})
	default:
		writeError(w, cierrors.NotFound("resource", wild))
	}
}

func (s *Server) handlePermalink(w http.ResponseWriter, job, link string) {
	entry, ok := s.reg.Get(job)
	if !ok {
		writeError(w, cierrors.NotFound("job", job))
		return
	}
	buildID, ok := entry.Permalinks().Get(link)
	if !ok {
		writeError(w, cierrors.NotFound("permalink", link))
		return
	}
	build, ok := entry.Build(buildID)
	if !ok {
		writeError(w, cierrors.NotFound("build", buildID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permalink": link, "build": build})
}

func (s *Server) handleBuildGet(w http.ResponseWriter, job, buildID string) {
	entry, ok := s.reg.Get(job)
	if !ok {
		writeError(w, cierrors.NotFound("job", job))
		return
	}
	build, ok := entry.Build(buildID)
	if !ok {
		writeError(w, cierrors.NotFound("build", buildID))
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, job string) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []eventstore.Event{}})
		return
	}
	events, err := s.events.ForJob(r.Context(), job, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleJobPost(w http.ResponseWriter, r *http.Request) {
	job, verb := splitVerb(chi.URLParam(r, "*"))
	switch verb {
	case "build":
		s.handleSchedule(w, r, job)
	case "wipe":
		if err := s.orch.WipeWorkspace(subject(r), job); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "rename":
		to := r.URL.Query().Get("to")
		if err := s.reg.Rename(job, to); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "enable", "disable":
		s.handleSetDisabled(w, job, verb == "disable")
	case "":
		s.handleCreateJob(w, r, job)
	default:
		writeError(w, cierrors.NotFound("resource", job+"/"+verb))
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, job string) {
	cause := model.ManualCause(subject(r))
	if detail := r.URL.Query().Get("cause"); detail != "" {
		cause = model.TriggerCause("remote", detail)
	}
	h, err := s.orch.Schedule(subject(r), job, cause)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queueItem": h.ID()})
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, job string, disabled bool) {
	entry, ok := s.reg.Get(job)
	if !ok {
		writeError(w, cierrors.NotFound("job", job))
		return
	}
	if err := entry.SetDisabled(disabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, job string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	var cfg state.JobConfig
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job config: " + err.Error()})
		return
	}
	if cfg.Kind == "" {
		cfg.Kind = state.JobKindFreestyle
	}
	entry, failures, err := s.reg.CreateJob(job, &cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"job": entry.Job()}
	if len(failures) > 0 {
		msgs := make([]string, len(failures))
		for i, f := range failures {
			msgs[i] = f.Error()
		}
		resp["triggerFailures"] = msgs
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	wild := chi.URLParam(r, "*")
	if i := strings.Index(wild, "/builds/"); i >= 0 {
		job, buildID := wild[:i], wild[i+len("/builds/"):]
		entry, ok := s.reg.Get(job)
		if !ok {
			writeError(w, cierrors.NotFound("job", job))
			return
		}
		if err := entry.DeleteBuild(buildID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, _ := splitVerb(wild)
	if err := s.reg.DeleteJob(job); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Could not encode response", logfields.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Permission denials
// keep their specific message; they are never collapsed into a generic 403.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cierrors.KindOf(err) {
	case cierrors.KindNotFound:
		status = http.StatusNotFound
	case cierrors.KindPermissionDenied:
		status = http.StatusForbidden
	case cierrors.KindAdmissionDenied, cierrors.KindCancelled:
		status = http.StatusConflict
	case cierrors.KindJobRemoved:
		status = http.StatusGone
	case cierrors.KindConfigTypeMismatch:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(cierrors.KindOf(err)),
	})
}
