package server

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"UsdnLedger/internal/core"
	"UsdnLedger/internal/ingestion"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/observability"
	"UsdnLedger/internal/pending"
	"UsdnLedger/internal/query"
)

// Submitter forwards an action request into the ingestion stream. The HTTP
// layer never commits directly; requests join the same ordered pipeline as
// NATS-submitted ones.
type Submitter interface {
	Submit(ctx context.Context, subject string, body []byte) error
}

// Server is the HTTP API. Live protocol state is served from memory,
// committed history from the Postgres action log; POSTs are forwarded into
// the NATS request stream and acknowledged with 202.
type Server struct {
	protocol *core.Protocol
	history  *query.Service
	submit   Submitter
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger

	httpServer *http.Server
}

func New(
	addr string,
	protocol *core.Protocol,
	history *query.Service,
	submit Submitter,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	s := &Server{
		protocol: protocol,
		history:  history,
		submit:   submit,
		health:   health,
		metrics:  metrics,
		log:      log,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/vault", s.handleVault)
		r.Get("/ticks", s.handleTicks)
		r.Get("/ticks/{tick}", s.handleTick)
		r.Get("/positions/{tick}/{version}/{index}", s.handlePosition)
		r.Get("/pending/{validator}", s.handlePending)
		r.Get("/actions", s.handleActions)
		r.Get("/actions/{sequence}", s.handleAction)
		r.Get("/validators/{validator}/actions", s.handleValidatorActions)
		r.Get("/integrity", s.handleIntegrity)

		r.Post("/actions/{family}/{phase}", s.handleSubmitAction)
		r.Post("/keeper/{op}", s.handleSubmitKeeper)
	})

	return r
}

// Start serves until ctx ends, then drains with a five second grace period.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.protocol.VaultView())
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticks": s.protocol.PopulatedTicks(),
	})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	tick, err := strconv.Atoi(chi.URLParam(r, "tick"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tick")
		return
	}
	view, err := s.protocol.TickView(tick)
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	tick, err := strconv.Atoi(chi.URLParam(r, "tick"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tick")
		return
	}
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tick version")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	view, err := s.protocol.PositionView(tick, version, index)
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	validator, err := ledger.ParseAddress(chi.URLParam(r, "validator"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validator address")
		return
	}
	view, err := s.protocol.PendingView(validator)
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, before := pageParams(r)

	var (
		page *query.HistoryPage
		err  error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		page, err = s.history.ActionsByKind(r.Context(), kind, limit, before)
	} else {
		page, err = s.history.RecentActions(r.Context(), limit, before)
	}
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence")
		return
	}
	rec, err := s.history.ActionBySequence(r.Context(), sequence)
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleValidatorActions(w http.ResponseWriter, r *http.Request) {
	validator, err := ledger.ParseAddress(chi.URLParam(r, "validator"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validator address")
		return
	}
	limit, before := pageParams(r)

	page, err := s.history.ActionsByValidator(r.Context(), validator.String(), limit, before)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	subject := "usdn.actions." + chi.URLParam(r, "family") + "." + chi.URLParam(r, "phase")
	s.forward(w, r, subject)
}

func (s *Server) handleSubmitKeeper(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "usdn.keeper."+chi.URLParam(r, "op"))
}

// forward validates the request shape, then publishes it into the ingestion
// stream. 202 means accepted for ordering, not committed; the caller tracks
// the outcome through the action log or the events stream.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, subject string) {
	if s.submit == nil {
		writeError(w, http.StatusServiceUnavailable, "submission disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	req, err := ingestion.ParseRequest(ingestion.RawRequest{Subject: subject, Data: body})
	if errors.Is(err, ingestion.ErrUnknownSubject) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.submit.Submit(r.Context(), subject, body); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("submit failed")
		writeError(w, http.StatusBadGateway, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"op":         string(req.Op),
		"request_id": req.RequestID.String(),
	})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.history.VerifyLog(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeProtocolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidTick),
		errors.Is(err, ledger.ErrOutdatedTick),
		errors.Is(err, ledger.ErrInvalidIndex),
		errors.Is(err, ledger.ErrEmptyTick),
		errors.Is(err, pending.ErrNoPendingAction):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("history query failed")
	writeError(w, http.StatusInternalServerError, "storage error")
}

// instrument records request counts and latency per route pattern. The
// pattern keeps label cardinality bounded regardless of path parameters.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func pageParams(r *http.Request) (limit int, before int64) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := q.Get("before"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = n
		}
	}
	return limit, before
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// NewMetricsServer exposes /metrics on its own listener, kept off the public
// API address.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
