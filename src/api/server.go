// Package api serves the slave protocol and the JSON presentation and admin
// surface of the build master over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bitten-master/src/admin"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/master"
	"bitten-master/src/view"
)

// SlaveHeader carries the name of the slave on every request for a claimed build.
const SlaveHeader = "X-Bitten-Slave"

// maxBody bounds request bodies; step reports with logs are the largest.
const maxBody = 32 << 20

// Server routes HTTP requests to the build master.
type Server struct {
	master *master.BuildMaster
	admin  *admin.Service
	views  *view.Presenter
	logger logger.Logger
}

// New creates a server.
func New(bm *master.BuildMaster, adm *admin.Service, views *view.Presenter, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Server{master: bm, admin: adm, views: views, logger: log}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Slave protocol.
	r.HandleFunc("/builds", s.requestBuild).Methods(http.MethodPost)
	r.HandleFunc("/builds/{id:[0-9]+}", s.initiateBuild).Methods(http.MethodGet)
	r.HandleFunc("/builds/{id:[0-9]+}", s.cancelBuild).Methods(http.MethodDelete)
	r.HandleFunc("/builds/{id:[0-9]+}/steps", s.submitStep).Methods(http.MethodPost)
	r.HandleFunc("/builds/{id:[0-9]+}/keepalive", s.keepalive).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/configs", s.listConfigs).Methods(http.MethodGet)
	api.HandleFunc("/configs", s.createConfig).Methods(http.MethodPost)
	api.HandleFunc("/configs/activate", s.activateConfigs).Methods(http.MethodPost)
	api.HandleFunc("/configs/{name}", s.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/configs/{name}", s.updateConfig).Methods(http.MethodPut)
	api.HandleFunc("/configs/{name}", s.deleteConfig).Methods(http.MethodDelete)
	api.HandleFunc("/configs/{name}/platforms", s.addPlatform).Methods(http.MethodPost)
	api.HandleFunc("/configs/{name}/charts/{kind}", s.getChart).Methods(http.MethodGet)
	api.HandleFunc("/platforms/{id:[0-9]+}", s.getPlatform).Methods(http.MethodGet)
	api.HandleFunc("/platforms/{id:[0-9]+}", s.updatePlatform).Methods(http.MethodPut)
	api.HandleFunc("/platforms/{id:[0-9]+}", s.removePlatform).Methods(http.MethodDelete)
	api.HandleFunc("/builds", s.listBuilds).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id:[0-9]+}", s.getBuild).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id:[0-9]+}/invalidate", s.invalidateBuild).Methods(http.MethodPost)
	api.HandleFunc("/builds/{id:[0-9]+}/reports/{kind}", s.getReports).Methods(http.MethodGet)
	api.HandleFunc("/options", s.getOptions).Methods(http.MethodGet)
	api.HandleFunc("/options", s.setOptions).Methods(http.MethodPatch)
	api.HandleFunc("/changesets", s.addChangeset).Methods(http.MethodPost)

	return r
}

// Run serves h on addr until ctx is done.
func Run(ctx context.Context, addr string, h http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv.Shutdown(shutdownCtx) != nil {
			srv.Close()
		}
	}()

	log.Info("[API] Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	}
	return ctx.Err()
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error  string                 `json:"error"`
	Fields []contracts.FieldError `json:"fields,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contracts.ErrAlreadyExists), errors.Is(err, contracts.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, contracts.ErrForbidden), errors.Is(err, contracts.ErrNoMatchingPlatform):
		return http.StatusForbidden
	case errors.Is(err, contracts.ErrInvalidRecipe):
		return http.StatusUnprocessableEntity
	case errors.Is(err, contracts.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ve *contracts.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("[API] %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.logger.Debug("[API] %s %s: %d %v", r.Method, r.URL.Path, status, err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %v: %w", err, contracts.ErrInvalid)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", raw, contracts.ErrInvalid)
	}
	return id, nil
}
