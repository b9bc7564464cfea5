package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

const maxRunsLimit = 1000

// Handler builds the router. It does not need a running server.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
			r.Put("/{id}", s.scheduleJob)
			r.Post("/{id}", s.scheduleJob)
		})
		r.Get("/{id}", s.getJob)
		r.Delete("/{id}", s.cancelJob)
	})

	if s.deps.Runs != nil {
		r.Get("/runs", s.listRuns)
	}
	if cfg.MetricsEnabled && s.deps.Metrics != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, s.deps.Metrics)
	}
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// jobID returns the decoded {id} segment. chi routes on RawPath when the
// request carries escaped slashes, so the param is still encoded then.
func jobID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return raw
	}
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func (s *Service) scheduleJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	id := jobID(r)
	var res scheduler.Result
	if raw := r.URL.Query().Get("delay"); raw != "" {
		delay, perr := scheduler.ParseDelay(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		res, err = s.deps.Scheduler.Schedule(id, string(body), delay)
	} else {
		res, err = s.deps.Scheduler.ScheduleDefault(id, string(body))
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, resultBody{Result: res})
}

func (s *Service) cancelJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resultBody{Result: s.deps.Scheduler.Cancel(jobID(r))})
}

func (s *Service) getJob(w http.ResponseWriter, r *http.Request) {
	payload, ok, err := s.deps.Scheduler.Payload(jobID(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	ct := "text/plain; charset=utf-8"
	if json.Valid([]byte(payload)) {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, payload)
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Service) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.deps.Runs.Runs(r.Context(), q.Get("job"), limit)
	if err != nil {
		s.log.Warn("run history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
