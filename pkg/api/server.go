package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rackforge/foundry/pkg/catalog"
	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/events"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/metrics"
	"github.com/rackforge/foundry/pkg/planner"
	"github.com/rackforge/foundry/pkg/protocol"
	"github.com/rackforge/foundry/pkg/queue"
	"github.com/rackforge/foundry/pkg/scheduler"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Config wires the API server's collaborators.
type Config struct {
	Store       storage.Store
	Scheduler   *scheduler.Scheduler
	Queue       *queue.Queue
	Credentials *credentials.Resolver
	CredBackend string
	Broker      *events.Broker
	Insecure    bool
}

// Server is the HTTP JSON API for the orchestrator.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	http    *http.Server
	logger  zerolog.Logger
	planner *planner.Planner

	// detect is swappable for tests; the default builds a fresh protocol
	// manager per discovery so results are never stale.
	detect func(ctx context.Context, host types.Host, creds types.Credentials) (*protocol.DetectionResult, []types.HealthReport, error)
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg Config) *Server {
	if cfg.CredBackend == "" {
		cfg.CredBackend = "env"
	}
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
		planner: planner.New(catalog.NewFetcher(nil, 0)),
	}
	s.detect = func(ctx context.Context, host types.Host, creds types.Credentials) (*protocol.DetectionResult, []types.HealthReport, error) {
		mgr := protocol.NewManager(protocol.DefaultClients(cfg.Insecure), 0, protocol.DefaultRetryPolicy())
		res, err := mgr.Detect(ctx, host, creds)
		if err != nil {
			return nil, nil, err
		}
		return res, mgr.HealthCheckAll(ctx, host, creds), nil
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/hosts", s.instrument("CreateHost", s.createHost))
	s.mux.HandleFunc("GET /api/v1/hosts", s.instrument("ListHosts", s.listHosts))
	s.mux.HandleFunc("GET /api/v1/hosts/{id}", s.instrument("GetHost", s.getHost))
	s.mux.HandleFunc("DELETE /api/v1/hosts/{id}", s.instrument("DeleteHost", s.deleteHost))
	s.mux.HandleFunc("POST /api/v1/hosts/{id}/discover", s.instrument("DiscoverHost", s.discoverHost))

	s.mux.HandleFunc("POST /api/v1/plans", s.instrument("CreatePlan", s.createPlan))
	s.mux.HandleFunc("GET /api/v1/plans", s.instrument("ListPlans", s.listPlans))
	s.mux.HandleFunc("GET /api/v1/plans/{id}", s.instrument("GetPlan", s.getPlan))
	s.mux.HandleFunc("POST /api/v1/plans/{id}/start", s.instrument("StartPlan", s.startPlan))
	s.mux.HandleFunc("POST /api/v1/plans/{id}/resolve", s.instrument("ResolvePlan", s.resolvePlan))
	s.mux.HandleFunc("GET /api/v1/plans/{id}/status", s.instrument("PlanStatus", s.planStatus))

	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.instrument("GetRun", s.getRun))
	s.mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.instrument("CancelRun", s.cancelRun))

	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	s.mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /livez", metrics.LivenessHandler())
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving. Blocks until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	metrics.RegisterComponent("api", true, "serving")
	s.logger.Info().Str("addr", addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- hosts ---

func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var host types.Host
	if err := json.NewDecoder(r.Body).Decode(&host); err != nil {
		s.writeError(w, errkind.New(errkind.Validation, "invalid host body: "+err.Error()))
		return
	}
	if host.ManagementEndpoint == "" {
		s.writeError(w, errkind.New(errkind.Validation, "managementEndpoint is required"))
		return
	}
	normalized, err := protocol.NormalizeEndpoint(host.ManagementEndpoint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	host.ManagementEndpoint = normalized
	if host.ID == "" {
		host.ID = uuid.New().String()
	}
	host.CreatedAt = time.Now()

	if err := s.cfg.Store.CreateHost(&host); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, host)
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.cfg.Store.ListHosts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.cfg.Store.GetHost(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, host)
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteHost(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// discoverResponse is the discovery verdict for one host.
type discoverResponse struct {
	Host      *types.Host               `json:"host"`
	Detection *protocol.DetectionResult `json:"detection"`
	Health    []types.HealthReport      `json:"health"`
}

// discoverHost probes all management protocols and refreshes the host
// record's hardware facts from the best answer.
func (s *Server) discoverHost(w http.ResponseWriter, r *http.Request) {
	host, err := s.cfg.Store.GetHost(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// An optional body carries one-shot credentials; otherwise the
	// host's configured backend is consulted.
	var override struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, errkind.New(errkind.Validation, "invalid discover body: "+err.Error()))
		return
	}

	var creds types.Credentials
	if override.Username != "" && override.Password != "" {
		creds = types.Credentials{Username: override.Username, Password: override.Password}
	} else {
		creds, err = s.cfg.Credentials.GetManagementCreds(r.Context(), s.cfg.CredBackend+":"+host.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	defer creds.Zero()

	res, health, err := s.detect(r.Context(), *host, creds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if best, ok := res.CapabilityMap[res.Healthiest]; ok {
		if best.Model != "" {
			host.Model = best.Model
		}
		if best.Generation != "" && best.Generation != types.GenerationUnknown {
			host.Generation = best.Generation
		}
		if best.ServiceTag != "" {
			host.ServiceTag = best.ServiceTag
		}
		if err := s.cfg.Store.UpdateHost(host); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if s.cfg.Broker != nil {
		s.cfg.Broker.Publish(&events.Event{
			Type:    events.EventHostDiscovered,
			HostID:  host.ID,
			Message: "discovered via " + res.Healthiest,
		})
	}
	s.writeJSON(w, http.StatusOK, discoverResponse{Host: host, Detection: res, Health: health})
}

// --- plans ---

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var plan types.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		s.writeError(w, errkind.New(errkind.Validation, "invalid plan body: "+err.Error()))
		return
	}
	if !plan.Policy.UpdateMode.Valid() {
		s.writeError(w, errkind.New(errkind.Validation,
			fmt.Sprintf("invalid update mode %q", plan.Policy.UpdateMode)))
		return
	}
	if plan.Name != "" {
		if existing, err := s.cfg.Store.GetPlanByName(plan.Name); err == nil && existing != nil {
			s.writeError(w, errkind.New(errkind.Validation,
				fmt.Sprintf("plan name %q already exists (id %s)", plan.Name, existing.ID)))
			return
		}
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	plan.CreatedAt = time.Now()

	if err := s.cfg.Store.CreatePlan(&plan); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Broker != nil {
		s.cfg.Broker.Publish(&events.Event{Type: events.EventPlanCreated, PlanID: plan.ID, Message: plan.Name})
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.cfg.Store.ListPlans()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.cfg.Store.GetPlan(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) startPlan(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	result, err := s.cfg.Scheduler.StartPlan(r.PathValue("id"), dryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if dryRun {
		status = http.StatusOK
	}
	s.writeJSON(w, status, result)
}

// HostResolution is one target's catalog resolution. A host whose
// components all failed compatibility carries the reasons and an error
// instead of artifacts.
type HostResolution struct {
	HostID            string                    `json:"hostId"`
	Artifacts         []types.Artifact          `json:"artifacts,omitempty"`
	Incompatibilities []planner.Incompatibility `json:"incompatibilities,omitempty"`
	Error             string                    `json:"error,omitempty"`
}

// ResolveResult is the response of plan resolution across all targets.
type ResolveResult struct {
	PlanID string           `json:"planId"`
	Hosts  []HostResolution `json:"hosts"`
}

// resolvePlan runs catalog resolution for every target host of a
// LATEST_FROM_CATALOG plan without creating runs: a preview of what
// each host would receive, per its generation and model.
func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.cfg.Store.GetPlan(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if plan.Policy.UpdateMode != types.UpdateModeLatestFromCatalog {
		s.writeError(w, errkind.New(errkind.Validation,
			fmt.Sprintf("plan mode %q carries explicit artifacts, nothing to resolve", plan.Policy.UpdateMode)))
		return
	}

	result := ResolveResult{PlanID: plan.ID}
	for _, hostID := range plan.Targets {
		host, err := s.cfg.Store.GetHost(hostID)
		if err != nil {
			result.Hosts = append(result.Hosts, HostResolution{HostID: hostID, Error: err.Error()})
			continue
		}
		artifacts, incompat, err := s.planner.Plan(r.Context(), planner.Request{
			Generation:           host.Generation,
			Model:                host.Model,
			Components:           plan.Policy.Components,
			CatalogURL:           plan.Policy.CatalogURL,
			CustomRepositoryPath: plan.Policy.CustomRepositoryPath,
			InstallUpon:          plan.Policy.InstallUpon,
		})
		res := HostResolution{HostID: hostID, Artifacts: artifacts, Incompatibilities: incompat}
		if err != nil {
			res.Error = err.Error()
		}
		result.Hosts = append(result.Hosts, res)
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) planStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Scheduler.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// --- runs ---

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Queue.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- plumbing ---

type errorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	Classification string `json:"classification,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	switch errkind.KindOf(err) {
	case errkind.Validation:
		return http.StatusBadRequest
	case errkind.Auth:
		return http.StatusUnauthorized
	case errkind.Dependency:
		return http.StatusServiceUnavailable
	case errkind.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Error:          err.Error(),
		Classification: string(errkind.Classify(err)),
	}
	var ke *errkind.Error
	if errors.As(err, &ke) {
		resp.Kind = string(ke.Kind)
	}
	s.writeJSON(w, statusFor(err), resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
