package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bitten-master/src/contracts"
	"bitten-master/src/store"
)

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.views.Configs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.views.Config(r.Context(), mux.Vars(r)["name"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	var cfg contracts.Configuration
	if err := decode(w, r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.admin.CreateConfig(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/configs/"+created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg contracts.Configuration
	if err := decode(w, r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.admin.UpdateConfig(r.Context(), mux.Vars(r)["name"], cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteConfig(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activateRequest struct {
	Names  []string `json:"names"`
	Active bool     `json:"active"`
}

func (s *Server) activateConfigs(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.SetActive(r.Context(), req.Names, req.Active); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addPlatform(w http.ResponseWriter, r *http.Request) {
	var p contracts.Platform
	if err := decode(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.Config = mux.Vars(r)["name"]
	created, err := s.admin.AddPlatform(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/platforms/%d", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getPlatform(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.views.Platform(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updatePlatform(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var p contracts.Platform
	if err := decode(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = id
	updated, err := s.admin.UpdatePlatform(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) removePlatform(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.RemovePlatforms(r.Context(), []int64{id}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BuildFilter{Config: q.Get("config"), Rev: q.Get("rev")}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, contracts.BuildStatus(st))
	}
	var err error
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if raw := q.Get("platform"); raw != "" {
		if filter.Platform, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.writeError(w, r, fmt.Errorf("invalid platform %q: %w", raw, contracts.ErrInvalid))
			return
		}
	}

	builds, err := s.views.Builds(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.views.Build(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) invalidateBuild(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.admin.InvalidateBuild(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getReports(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := contracts.ReportKind(mux.Vars(r)["kind"])
	summary, err := s.views.Reports(r.Context(), id, r.URL.Query().Get("step"), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getChart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feed, err := s.views.Chart(r.Context(), vars["name"], contracts.ReportKind(vars["kind"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) getOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Options())
}

// setOptions takes option values as strings so that form posts and the CLI
// share the parsing rules.
func (s *Server) setOptions(w http.ResponseWriter, r *http.Request) {
	var raw map[string]string
	if err := decode(w, r, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := s.admin.SetOptions(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// addChangeset records a changeset posted by a repository hook and populates
// the build queue. A known revision answers 200 instead of 201.
func (s *Server) addChangeset(w http.ResponseWriter, r *http.Request) {
	var cs contracts.Changeset
	if err := decode(w, r, &cs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := contracts.ParseRev(cs.Rev); err != nil {
		s.writeError(w, r, err)
		return
	}
	if cs.Time.IsZero() {
		cs.Time = time.Now().UTC()
	}

	added, err := s.master.Repository().Record(r.Context(), cs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, cs)
		return
	}
	s.logger.Info("[API] Recorded changeset [%s] by %s", cs.Rev, cs.Author)
	if _, err := s.master.Populate(r.Context()); err != nil {
		s.logger.Error("[API] Failed to populate build queue after [%s]: %v", cs.Rev, err)
	}
	writeJSON(w, http.StatusCreated, cs)
}

func intParam(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, contracts.ErrInvalid)
	}
	return n, nil
}
