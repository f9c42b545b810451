package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	ws "github.com/gorilla/websocket"

	"tabgraphsyn-runner/internal/capacity"
	"tabgraphsyn-runner/internal/lane"
	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/pipeline"
	"tabgraphsyn-runner/internal/ratelimit"
	"tabgraphsyn-runner/internal/registry"
	"tabgraphsyn-runner/internal/websocket"
)

// Validator checks submission parameters before a job is created.
// Invalid submissions are rejected synchronously and never persisted.
type Validator interface {
	Validate(req *models.SubmitRequest) error
}

// Entitlement carries the scheduling attributes an owner is entitled to.
// The tier is always derived here, never taken from the caller.
type Entitlement struct {
	Tier       models.Tier
	Priority   int
	MaxRetries int
}

// EntitlementLookup resolves an owner to its tier, priority and retry
// budget.
type EntitlementLookup interface {
	Lookup(ownerID string) Entitlement
}

// BasicValidator enforces the minimal parameter contract.
type BasicValidator struct{}

// Validate checks required fields.
func (BasicValidator) Validate(req *models.SubmitRequest) error {
	if req.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if req.Dataset == "" || req.Table == "" {
		return errors.New("dataset and table are required")
	}
	if req.EpochsVAE < 0 || req.EpochsGNN < 0 || req.EpochsDiff < 0 {
		return errors.New("epoch counts must be non-negative")
	}
	return nil
}

// StaticEntitlements maps listed owners to the GPU tier; everyone else
// runs on CPU. GPU owners are served at higher priority within their
// lane.
type StaticEntitlements struct {
	GPUOwners  map[string]bool
	MaxRetries int
}

// Lookup resolves an owner's entitlement.
func (s StaticEntitlements) Lookup(ownerID string) Entitlement {
	e := Entitlement{Tier: models.TierCPU, Priority: 0, MaxRetries: s.MaxRetries}
	if s.GPUOwners[ownerID] {
		e.Tier = models.TierGPU
		e.Priority = 10
	}
	return e
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	reg          *registry.Registry
	pool         *lane.Pool
	cap          *capacity.Controller
	rateLimiter  *ratelimit.Limiter
	wsManager    *websocket.Manager
	validator    Validator
	entitlements EntitlementLookup
	singleActive bool
	// maxBacklog bounds the optimistic capacity pre-check: a tier whose
	// queue already holds this many jobs rejects new submissions rather
	// than letting the backlog grow without bound. Zero disables it.
	maxBacklog int
	upgrader   ws.Upgrader
}

// NewServer creates a new API server
func NewServer(reg *registry.Registry, pool *lane.Pool, ctrl *capacity.Controller,
	wsManager *websocket.Manager, validator Validator, entitlements EntitlementLookup,
	limiter *ratelimit.Limiter, singleActive bool) *Server {

	if validator == nil {
		validator = BasicValidator{}
	}
	if entitlements == nil {
		entitlements = StaticEntitlements{MaxRetries: 3}
	}
	if limiter == nil {
		limiter = ratelimit.New(10, time.Minute)
	}
	return &Server{
		reg:          reg,
		pool:         pool,
		cap:          ctrl,
		rateLimiter:  limiter,
		wsManager:    wsManager,
		validator:    validator,
		entitlements: entitlements,
		singleActive: singleActive,
		maxBacklog:   50,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SubmitJob handles job submission. Submission always enqueues and
// returns immediately; there is no synchronous execution path.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.validator.Validate(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.OwnerID) {
		log.Printf("[RATE_LIMIT] Owner %s exceeded rate limit", req.OwnerID)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	entitlement := s.entitlements.Lookup(req.OwnerID)

	if s.maxBacklog > 0 && !s.cap.HasRoom(entitlement.Tier) &&
		s.pool.Backlog(entitlement.Tier) >= s.maxBacklog {
		log.Printf("[CAPACITY] Tier %s backlog full, rejecting submission from %s",
			entitlement.Tier, req.OwnerID)
		http.Error(w, "Tier at capacity", http.StatusTooManyRequests)
		return
	}

	params, err := json.Marshal(pipeline.Params{
		Dataset:    req.Dataset,
		Table:      req.Table,
		EpochsVAE:  req.EpochsVAE,
		EpochsGNN:  req.EpochsGNN,
		EpochsDiff: req.EpochsDiff,
	})
	if err != nil {
		http.Error(w, "Invalid parameters", http.StatusBadRequest)
		return
	}

	// With single-active enforced, the owner-busy check is part of the
	// insert itself so two racing submissions cannot both pass it.
	var token string
	if s.singleActive {
		token, err = s.reg.CreateIfIdle(req.OwnerID, entitlement.Tier, entitlement.Priority,
			string(params), entitlement.MaxRetries)
		if errors.Is(err, registry.ErrOwnerActive) {
			log.Printf("[QUOTA] Owner %s already has an active job", req.OwnerID)
			http.Error(w, "Owner already has an active job", http.StatusConflict)
			return
		}
	} else {
		token, err = s.reg.Create(req.OwnerID, entitlement.Tier, entitlement.Priority,
			string(params), entitlement.MaxRetries)
	}
	if err != nil {
		log.Printf("[ERROR] Failed to create job: %v", err)
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	job, err := s.reg.GetJob(token)
	if err != nil {
		log.Printf("[ERROR] Failed to load created job %s: %v", token, err)
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}
	s.pool.Enqueue(job.Tier, job.Token, job.Priority, job.QueuedAt)

	log.Printf("[SUBMIT] Token=%s Owner=%s Tier=%s Priority=%d Status=queued",
		token, req.OwnerID, entitlement.Tier, entitlement.Priority)
	s.wsManager.Broadcast()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.SubmitResponse{Token: token, Status: models.StatusQueued})
}

// GetStatus serves GET /status/{token}: a point-in-time snapshot. It
// only reads; arbitrarily many concurrent pollers never block a worker.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/status/")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	snapshot, err := s.reg.Get(token)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] Failed to load snapshot %s: %v", token, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(snapshot)
}

// CancelJob handles POST /api/jobs/cancel. A queued job is canceled with
// a direct CAS; a running job gets a cooperative cancellation signal and
// the worker performs the terminal transition.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	job, err := s.reg.GetJob(req.Token)
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if models.IsTerminal(job.Status) {
		http.Error(w, "Job already finished", http.StatusConflict)
		return
	}

	finished := time.Now().UTC()
	err = s.reg.Transition(req.Token, models.StatusQueued, models.StatusCanceled, registry.Fields{
		Stage:      models.StageCanceled,
		FinishedAt: &finished,
	})
	switch {
	case err == nil:
		log.Printf("[CANCEL] Token=%s canceled while queued", req.Token)
	case errors.Is(err, registry.ErrConflict):
		// Running: signal the worker and let it settle the state.
		if !s.pool.CancelRunning(req.Token) {
			http.Error(w, "Job already finished", http.StatusConflict)
			return
		}
		log.Printf("[CANCEL] Token=%s cancellation requested", req.Token)
	default:
		log.Printf("[ERROR] Failed to cancel %s: %v", req.Token, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.wsManager.Broadcast()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"token": req.Token, "status": "canceling"})
}

// ListJobs returns recent jobs, optionally filtered.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ownerID := r.URL.Query().Get("owner_id")

	jobs, err := s.reg.ListJobs(status, ownerID, 100)
	if err != nil {
		log.Printf("[ERROR] Failed to query jobs: %v", err)
		http.Error(w, "Failed to fetch jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// GetHistory returns an owner's recorded runs.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	runs, err := s.reg.History(ownerID, 50)
	if err != nil {
		log.Printf("[ERROR] Failed to query history: %v", err)
		http.Error(w, "Failed to fetch history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetMetrics returns system metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.reg.Metrics()
	if err != nil {
		log.Printf("[ERROR] Failed to get metrics: %v", err)
		http.Error(w, "Failed to fetch metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJob(w, r)
		case http.MethodGet:
			s.ListJobs(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/jobs/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.CancelJob(w, r)
	})

	mux.HandleFunc("/status/", s.GetStatus)
	mux.HandleFunc("/api/history", s.GetHistory)
	mux.HandleFunc("/api/metrics", s.GetMetrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)
}
