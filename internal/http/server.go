// Package http serves the master API: catalog DDL, tablet locations,
// tablet server heartbeats and the raft endpoint between masters.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"metacat/pkg/config"
	"metacat/pkg/master"
	"metacat/pkg/raftadapter"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 7100
	defaultShutdownTimeout = time.Second * 5
)

// iRaftNode is the sys catalog raft group of this master.
type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error
}

type iHeartbeatQueue interface {
	Enqueue(ctx context.Context, report master.TabletReport) error
}

// Server represents the HTTP server of a master
type Server struct {
	catalog    *master.CatalogManager
	node       iRaftNode
	heartbeats iHeartbeatQueue
	metrics    http.Handler

	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance
func NewServer(cm *master.CatalogManager, cfg config.ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	return &Server{
		catalog:           cm,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
	}
}

// SetRaftNode enables the raft endpoint and redirects API calls to the
// leader master.
func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

// SetHeartbeatQueue makes heartbeats asynchronous. Without a queue they are
// processed inside the request.
func (s *Server) SetHeartbeatQueue(q iHeartbeatQueue) {
	s.heartbeats = q
}

func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// peers talk raft to every master, leader or not
	if s.node != nil {
		r.Post(raftadapter.RaftEndpoint, s.handleRaft)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.leaderOnly)

		r.Get("/api/namespaces", s.handleListNamespaces)
		r.Post("/api/namespaces", s.handleCreateNamespace)
		r.Get("/api/namespaces/{id}", s.handleGetNamespace)
		r.Delete("/api/namespaces/{id}", s.handleDeleteNamespace)

		r.Get("/api/udtypes", s.handleListUDTypes)
		r.Post("/api/udtypes", s.handleCreateUDType)
		r.Get("/api/udtypes/{id}", s.handleGetUDType)
		r.Delete("/api/udtypes/{id}", s.handleDeleteUDType)

		r.Get("/api/tables", s.handleListTables)
		r.Post("/api/tables", s.handleCreateTable)
		r.Get("/api/tables/{id}", s.handleGetTable)
		r.Delete("/api/tables/{id}", s.handleDeleteTable)
		r.Post("/api/tables/{id}/alter", s.handleAlterTable)
		r.Get("/api/tables/{id}/alter-done", s.handleIsAlterTableDone)
		r.Get("/api/tables/{id}/create-done", s.handleIsCreateTableDone)
		r.Get("/api/tables/{id}/locations", s.handleTableLocations)
		r.Post("/api/tables/{id}/backfill", s.handleStartBackfill)
		r.Post("/api/tables/{id}/backfill/finish", s.handleFinishBackfill)
		r.Post("/api/tables/{id}/status-tablets", s.handleAddStatusTablet)

		r.Get("/api/tablets/{id}", s.handleGetTablet)
		r.Get("/api/tablets/{id}/leader", s.handleTabletLeader)
		r.Post("/api/tablets/{id}/split", s.handleSplitTablet)
		r.Post("/api/tablets/{id}/step-down", s.handleStepDown)

		r.Post("/api/heartbeat", s.handleHeartbeat)
		r.Get("/api/tasks", s.handleTasks)
		r.Get("/api/ddl-log", s.handleDdlLog)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, newCatalogErrorResponse(err))
}

// decodeJSON reads the request body into v, answering 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// leaderOnly sends catalog calls to the leader master: followers do not keep
// an in-memory catalog up to date.
func (s *Server) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
			if err != nil {
				slog.Error("Failed to redirect to leader", "error", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil || s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("no leader master elected yet"))
		return true, nil
	}
	// Avoid redirect loop when leaderAddr equals this server's URL
	if leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("metrics are disabled"))
		return
	}
	s.catalog.RefreshMetrics()
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if !s.decodeJSON(w, r, &msg) {
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
