/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package admin is the loopback JSON surface the overseer-cli talks to. It
// is deliberately minimal: the real API layer lives outside this system.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/overseer"
	"github.com/glassdome/glassdome/internal/platform/contracts"
	"github.com/glassdome/glassdome/internal/registry"
	"github.com/glassdome/glassdome/internal/remote"
	"github.com/glassdome/glassdome/internal/version"
)

// StatusResponse is the summary returned by GET /v1/status.
type StatusResponse struct {
	Version       string          `json:"version"`
	QueueDepth    int             `json:"queue_depth"`
	Labs          map[string]int  `json:"labs"`
	Platforms     map[string]bool `json:"platforms"`
	PendingDrifts int             `json:"pending_drifts"`
}

// ErrorResponse carries a machine-readable failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ExecRequest asks for one command on a lab guest.
type ExecRequest struct {
	Command  string `json:"command"`
	TimeoutS int    `json:"timeout_s,omitempty"`
}

// ExecResponse carries the remote command outcome.
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Server serves the admin API on a loopback address.
type Server struct {
	store    *registry.Store
	overseer *overseer.Overseer
	sessions *remote.Pool
	logger   *zap.Logger
	srv      *http.Server
}

// NewServer builds the admin server listening on addr.
func NewServer(addr string, store *registry.Store, ov *overseer.Overseer, sessions *remote.Pool, logger *zap.Logger) *Server {
	s := &Server{store: store, overseer: ov, sessions: sessions, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/vms", s.handleVMs).Methods(http.MethodGet)
	r.HandleFunc("/v1/vms/{platform}/{vmid}/exec", s.handleExec).Methods(http.MethodPost)
	r.HandleFunc("/v1/hosts", s.handleHosts).Methods(http.MethodGet)
	r.HandleFunc("/v1/requests", s.handleListRequests).Methods(http.MethodGet)
	r.HandleFunc("/v1/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	r.HandleFunc("/v1/requests", s.handleSubmit).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encoding admin response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	labs := make(map[string]int)
	for _, lab := range s.store.Labs() {
		labs[string(lab.Status)]++
	}
	platforms := make(map[string]bool)
	for _, host := range s.store.Hosts() {
		platforms[string(host.Platform)] = host.Reachable
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Version:       version.String(),
		QueueDepth:    s.overseer.Queue().Depth(),
		Labs:          labs,
		Platforms:     platforms,
		PendingDrifts: len(s.store.PendingDrifts()),
	})
}

func (s *Server) handleVMs(w http.ResponseWriter, r *http.Request) {
	labFilter := r.URL.Query().Get("lab")
	out := make([]*contracts.VMRecord, 0)
	for _, vm := range s.store.VMs() {
		if labFilter != "" && vm.OwnerLab != labFilter {
			continue
		}
		out = append(out, vm)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Hosts())
}

func (s *Server) handleListRequests(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.overseer.Queue().All())
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := s.overseer.Queue().Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "request " + id + " not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleExec runs one command on a running guest over the shared SSH pool.
// The guest's provisioning credentials authenticate the session.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	vm, ok := s.store.GetVM(contracts.PlatformID(vars["platform"]), vars["vmid"])
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "vm " + vars["platform"] + "/" + vars["vmid"] + " not found"})
		return
	}
	if vm.Status != contracts.VMStatusRunning || vm.PrimaryIP == "" {
		s.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "vm is " + string(vm.Status) + " without a reachable address"})
		return
	}

	var body ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "body must carry a non-empty command"})
		return
	}
	timeout := 60 * time.Second
	if body.TimeoutS > 0 {
		timeout = time.Duration(body.TimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	creds := vm.Spec.Credentials
	target := remote.Target{
		Address:       vm.PrimaryIP,
		User:          creds.Username,
		Password:      creds.Password,
		PrivateKeyPEM: creds.SSHPrivateKeyPEM,
	}

	var result *remote.Result
	err := s.sessions.WithSession(ctx, target, func(sess remote.Session) error {
		var runErr error
		result, runErr = sess.Run(ctx, body.Command)
		return runErr
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, ExecResponse{
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
		})
	case contracts.IsValidation(err):
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case contracts.IsTransient(err):
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
}

// handleSubmit gates a request through the Overseer. Denials come back as
// 403 with the request body carrying the structured denial, validation
// failures as 400, a full queue as 503.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req contracts.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body: " + err.Error()})
		return
	}

	out, err := s.overseer.Submit(r.Context(), &req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, out)
	case contracts.IsAuthorization(err):
		s.writeJSON(w, http.StatusForbidden, out)
	case contracts.IsValidation(err):
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case contracts.IsTransient(err):
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
