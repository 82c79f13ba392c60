// Package statusapi serves the local sync status, a manual trigger and
// Prometheus metrics.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wurt83ow/possync/pkg/gksync"
	"github.com/wurt83ow/possync/pkg/logger"
	"github.com/wurt83ow/possync/pkg/models"
	"github.com/wurt83ow/possync/pkg/syncinfo"
)

// Engine is the running orchestrator. *gksync.Orchestrator implements it.
type Engine interface {
	State() gksync.State
	Nudge()
}

// Store answers the counters shown by /status. *bdkeeper.Keeper implements it.
type Store interface {
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	CountUnresolvedConflicts(ctx context.Context) (int, error)
}

// Watermark exposes the cached last-sync time. *syncinfo.SyncManager implements it.
type Watermark interface {
	GetSyncInfo() syncinfo.SyncInfo
}

// Status is the body of GET /status.
type Status struct {
	IsOnline            bool       `json:"isOnline"`
	IsSyncing           bool       `json:"isSyncing"`
	Pending             int        `json:"pending"`
	Errored             int        `json:"errored"`
	UnresolvedConflicts int        `json:"unresolvedConflicts"`
	LastSync            *time.Time `json:"lastSync,omitempty"`
}

type server struct {
	engine    Engine
	store     Store
	watermark Watermark
	log       *zap.SugaredLogger
}

// NewServer builds the router. gatherer may be nil to omit /metrics.
func NewServer(engine Engine, store Store, watermark Watermark, gatherer prometheus.Gatherer, log *zap.SugaredLogger) http.Handler {
	s := &server{engine: engine, store: store, watermark: watermark, log: logger.For(log, "statusapi")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.status)
	r.Post("/sync", s.sync)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	unresolved, err := s.store.CountUnresolvedConflicts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	st := s.engine.State()
	body := Status{
		IsOnline:            st.IsOnline,
		IsSyncing:           st.IsSyncing,
		Pending:             counts[models.StatusPending] + counts[models.StatusSyncing],
		Errored:             counts[models.StatusError],
		UnresolvedConflicts: unresolved,
	}
	if last := s.watermark.GetSyncInfo().LastSync; !last.IsZero() {
		body.LastSync = &last
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) sync(w http.ResponseWriter, _ *http.Request) {
	s.engine.Nudge()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *server) fail(w http.ResponseWriter, err error) {
	s.log.Errorw("Status request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.For(log, "statusapi").Infow("Status API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
