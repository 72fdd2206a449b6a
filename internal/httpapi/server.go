// Package httpapi exposes the fabric's operational HTTP surface: health,
// metrics, event history, trust balances, and workflow control.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veritasec/trustfabric/domain/trust"
	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
	trustsvc "github.com/veritasec/trustfabric/services/trust"
	"github.com/veritasec/trustfabric/system/events"
	"github.com/veritasec/trustfabric/system/workflow"
)

// Orchestrator is the workflow surface the API needs.
type Orchestrator interface {
	Start(ctx context.Context, kind string, workflowContext map[string]any) (string, error)
	GetExecution(workflowID string) (*workflow.Execution, error)
	Kinds() []string
}

// Config configures the server.
type Config struct {
	ListenAddr   string
	Logger       *logger.Logger
	Metrics      *metrics.Metrics
	Bus          *events.Bus
	Ledger       *trustsvc.Ledger
	Orchestrator Orchestrator
}

// Server is the operational HTTP server.
type Server struct {
	cfg  Config
	log  *logger.Logger
	http *http.Server
}

// New creates a server with its routes mounted.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("httpapi")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8480"
	}

	s := &Server{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.handleHistory)
		r.Get("/events/stats", s.handleBusStats)
		r.Get("/trust/{entityType}/{entityID}", s.handleTrustBalance)
		r.Get("/workflows/kinds", s.handleWorkflowKinds)
		r.Get("/workflows/{workflowID}", s.handleWorkflowGet)
		r.Post("/workflows/{kind}", s.handleWorkflowStart)
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the mounted router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.ListenAddr).Info("ops server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleBusStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, fabricerrors.Internal("bus not configured", nil))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Bus.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, fabricerrors.Internal("bus not configured", nil))
		return
	}

	q := r.URL.Query()
	filter := events.HistoryFilter{
		Source: events.Source(q.Get("source")),
		Type:   q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}

	history, err := s.cfg.Bus.History(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": history,
		"count":  len(history),
	})
}

func (s *Server) handleTrustBalance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, fabricerrors.Internal("ledger not configured", nil))
		return
	}

	entityType := trust.EntityType(chi.URLParam(r, "entityType"))
	entityID := chi.URLParam(r, "entityID")
	if !entityType.Valid() {
		writeError(w, fabricerrors.UnknownVariant(string(entityType), "entity"))
		return
	}

	writeJSON(w, http.StatusOK, s.cfg.Ledger.GetBalance(entityType, entityID))
}

func (s *Server) handleWorkflowKinds(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		writeError(w, fabricerrors.Internal("orchestrator not configured", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kinds": s.cfg.Orchestrator.Kinds()})
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		writeError(w, fabricerrors.Internal("orchestrator not configured", nil))
		return
	}

	exec, err := s.cfg.Orchestrator.GetExecution(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		writeError(w, fabricerrors.Internal("orchestrator not configured", nil))
		return
	}

	var workflowContext map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&workflowContext); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fabricerrors.SchemaInvalid("httpapi", "workflow_context", err))
			return
		}
	}

	workflowID, err := s.cfg.Orchestrator.Start(r.Context(), chi.URLParam(r, "kind"), workflowContext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := fabricerrors.GetHTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	if fe := fabricerrors.GetFabricError(err); fe != nil {
		body["code"] = fe.Code
		if fe.Details != nil {
			body["details"] = fe.Details
		}
	}
	writeJSON(w, status, body)
}
