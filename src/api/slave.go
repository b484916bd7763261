package api

import (
	"fmt"
	"net"
	"net/http"

	"bitten-master/src/contracts"
	"bitten-master/src/view"
)

func slaveName(r *http.Request) (string, error) {
	name := r.Header.Get(SlaveHeader)
	if name == "" {
		return "", fmt.Errorf("missing %s header: %w", SlaveHeader, contracts.ErrInvalid)
	}
	return name, nil
}

// requestBuild hands a pending build to the connecting slave. It answers 201
// with the claimed build, 204 when there is nothing to do and 403 when the
// slave matches no target platform.
func (s *Server) requestBuild(w http.ResponseWriter, r *http.Request) {
	var info contracts.SlaveInfo
	if err := decode(w, r, &info); err != nil {
		s.writeError(w, r, err)
		return
	}
	if info.IPAddress == "" {
		info.IPAddress = remoteIP(r)
	}

	b, err := s.master.RequestBuild(r.Context(), info)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/builds/%d", b.ID))
	writeJSON(w, http.StatusCreated, b)
}

// initiateBuild returns the expanded recipe of a claimed build.
func (s *Server) initiateBuild(w http.ResponseWriter, r *http.Request) {
	slave, id, ok := s.slaveRequest(w, r)
	if !ok {
		return
	}
	env, err := s.master.InitiateBuild(r.Context(), slave, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) cancelBuild(w http.ResponseWriter, r *http.Request) {
	slave, id, ok := s.slaveRequest(w, r)
	if !ok {
		return
	}
	if err := s.master.CancelBuild(r.Context(), slave, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitStep(w http.ResponseWriter, r *http.Request) {
	slave, id, ok := s.slaveRequest(w, r)
	if !ok {
		return
	}
	var step contracts.Step
	if err := decode(w, r, &step); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.master.SubmitStep(r.Context(), slave, id, step)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", view.BuildHref(id))
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	slave, id, ok := s.slaveRequest(w, r)
	if !ok {
		return
	}
	if err := s.master.Keepalive(r.Context(), slave, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) slaveRequest(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	slave, err := slaveName(r)
	if err != nil {
		s.writeError(w, r, err)
		return "", 0, false
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return "", 0, false
	}
	return slave, id, true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
