package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contractscan/internal/eventbus"
	"contractscan/internal/models"
	"contractscan/internal/repository"

	"github.com/gorilla/mux"
)

// Store is the repository surface of the operator API.
type Store interface {
	Ping(ctx context.Context) error

	GetContract(ctx context.Context, addr string) (*models.Contract, error)
	UpsertContract(ctx context.Context, c *models.Contract) error
	GetContractStats(ctx context.Context, addr string) (*models.ContractStats, error)
	GetCursor(ctx context.Context, addr string) (*models.Cursor, error)
	ResetCursor(ctx context.Context, addr string) error
	ResetScanLeases(ctx context.Context, addr string) error

	EnqueueJob(ctx context.Context, contractAddr string, priority int, payload models.JobPayload) (*models.Job, error)
	GetJob(ctx context.Context, jobID int64) (*models.Job, error)
	CancelJob(ctx context.Context, jobID int64) (bool, error)
	RetryJob(ctx context.Context, jobID int64) (bool, error)
	ListJobsByStatus(ctx context.Context, status string, limit int) ([]models.Job, error)
}

// Server is the operator-facing HTTP surface: contract registration, job
// control, cursor resets, and the live activity feed.
type Server struct {
	repo Store
	bus  *eventbus.Bus
	hub  *hub
	srv  *http.Server
}

func NewServer(repo Store, bus *eventbus.Bus, port int) *Server {
	s := &Server{
		repo: repo,
		bus:  bus,
		hub:  newHub(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")

	r.HandleFunc("/contracts", s.handleRegisterContract).Methods("POST")
	r.HandleFunc("/contracts/{address}", s.handleGetContract).Methods("GET")
	r.HandleFunc("/contracts/{address}/stats", s.handleContractStats).Methods("GET")
	r.HandleFunc("/contracts/{address}/reset-cursor", s.handleResetCursor).Methods("POST")

	r.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	r.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods("POST")

	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.feedFromBus(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// feedFromBus relays pipeline events to websocket clients.
func (s *Server) feedFromBus(ctx context.Context) {
	if s.bus == nil {
		return
	}
	events := make(chan eventbus.Event, 256)
	s.bus.Subscribe(eventbus.TypeTransactionIndexed, events)
	s.bus.Subscribe(eventbus.TypeTransactionEnriched, events)
	s.bus.Subscribe(eventbus.TypeContractStatus, events)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			msg, err := json.Marshal(broadcastMessage{
				Type:     evt.Type,
				Contract: evt.Contract,
				Payload:  evt.Data,
			})
			if err != nil {
				continue
			}
			s.hub.broadcast(msg)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbOK := s.repo.Ping(r.Context()) == nil

	counts := make(map[string]int)
	for _, status := range []string{models.JobPending, models.JobProcessing, models.JobFailed} {
		jobs, err := s.repo.ListJobsByStatus(r.Context(), status, 500)
		if err == nil {
			counts[status] = len(jobs)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"database":   dbOK,
		"jobs":       counts,
		"ws_clients": s.hub.clientCount(),
	})
}

type registerContractRequest struct {
	Address     string `json:"address"`
	ChainID     int64  `json:"chain_id"`
	DeployBlock int64  `json:"deploy_block"`
	Name        string `json:"name"`
	IndexType   string `json:"index_type"`
	IndexSource string `json:"index_source"`
}

func (s *Server) handleRegisterContract(w http.ResponseWriter, r *http.Request) {
	var req registerContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validAddress(req.Address) {
		http.Error(w, "invalid contract address", http.StatusBadRequest)
		return
	}
	if req.IndexType == "" {
		req.IndexType = models.IndexTypeCount
	}
	if req.IndexType != models.IndexTypeCount && req.IndexType != models.IndexTypeVolume {
		http.Error(w, "index_type must be count or volume", http.StatusBadRequest)
		return
	}
	if req.IndexSource == "" {
		req.IndexSource = models.IndexSourceExplorer
	}
	if req.IndexSource != models.IndexSourceExplorer && req.IndexSource != models.IndexSourceRPC {
		http.Error(w, "index_source must be explorer or rpc", http.StatusBadRequest)
		return
	}

	contract := &models.Contract{
		Address:         strings.ToLower(req.Address),
		ChainID:         req.ChainID,
		DeployBlock:     req.DeployBlock,
		Name:            req.Name,
		Active:          true,
		IndexingEnabled: true,
		IndexType:       req.IndexType,
		IndexSource:     req.IndexSource,
	}
	if err := s.repo.UpsertContract(r.Context(), contract); err != nil {
		http.Error(w, "failed to register contract", http.StatusInternalServerError)
		log.Printf("[api] register contract %s: %v", req.Address, err)
		return
	}
	writeJSON(w, http.StatusCreated, contract)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	contract, err := s.repo.GetContract(r.Context(), addr)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if contract == nil {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}

	cursor, err := s.repo.GetCursor(r.Context(), contract.Address)
	if err != nil {
		http.Error(w, "cursor lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract": contract,
		"cursor":   cursor,
	})
}

func (s *Server) handleContractStats(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	stats, err := s.repo.GetContractStats(r.Context(), addr)
	if err != nil {
		http.Error(w, "stats lookup failed", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleResetCursor clears the cursor and any scan leases. The next
// backfill restarts from the beginning of the stream; base rows stay (the
// conflict-ignore insert absorbs the replay).
func (s *Server) handleResetCursor(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	contract, err := s.repo.GetContract(r.Context(), addr)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if contract == nil {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}

	if err := s.repo.ResetCursor(r.Context(), contract.Address); err != nil {
		http.Error(w, "reset failed", http.StatusInternalServerError)
		log.Printf("[api] reset cursor %s: %v", addr, err)
		return
	}
	if err := s.repo.ResetScanLeases(r.Context(), contract.Address); err != nil {
		http.Error(w, "lease reset failed", http.StatusInternalServerError)
		return
	}
	log.Printf("[api] cursor reset for %s", contract.Address)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type createJobRequest struct {
	ContractAddress string `json:"contract_address"`
	Priority        int    `json:"priority"`
	FromDate        string `json:"from_date"`
	ToDate          string `json:"to_date"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validAddress(req.ContractAddress) {
		http.Error(w, "invalid contract address", http.StatusBadRequest)
		return
	}
	if req.Priority <= 0 {
		req.Priority = 5
	}

	job, err := s.repo.EnqueueJob(r.Context(), req.ContractAddress, req.Priority, models.JobPayload{
		ContractAddress: strings.ToLower(req.ContractAddress),
		FromDate:        req.FromDate,
		ToDate:          req.ToDate,
	})
	if errors.Is(err, repository.ErrJobExists) {
		http.Error(w, "contract already has a live job", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		log.Printf("[api] enqueue job for %s: %v", req.ContractAddress, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.JobPending
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.repo.ListJobsByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	ok, err := s.repo.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job is not pending or processing", http.StatusConflict)
		return
	}
	log.Printf("[api] job %d cancelled", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	ok, err := s.repo.RetryJob(r.Context(), id)
	if err != nil {
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job is not failed or cancelled", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func jobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func validAddress(addr string) bool {
	addr = strings.ToLower(addr)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
