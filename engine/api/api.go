// Package api exposes the controller over HTTP: status and zone inspection,
// operator services (force phase, manual shots, overrides), events, health
// and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"cropsteer/engine"
	"cropsteer/engine/models"
)

// Options configure the HTTP server.
type Options struct {
	Addr   string
	Engine *engine.Engine
	Logger *zap.Logger
}

// Server serves the control API for one engine.
type Server struct {
	eng *engine.Engine
	log *zap.Logger
	srv *http.Server
}

// New builds an unstarted Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: nil engine")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{eng: opts.Engine, log: opts.Logger.Named("api")}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Router builds the handler tree. Exported so tests can drive it without a
// listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if h := s.eng.MetricsHandler(); h != nil {
		r.Method(http.MethodGet, "/metrics", h)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/zones", s.handleZones)
		r.Get("/events", s.handleEvents)
		r.Post("/config/reload", s.handleReload)
		r.Get("/telemetry/policy", s.handlePolicyGet)
		r.Put("/telemetry/policy", s.handlePolicyPut)

		r.Route("/zones/{zone}", func(r chi.Router) {
			r.Get("/", s.handleZone)
			r.Get("/check", s.handleZoneCheck)
			r.Get("/dryback", s.handleZoneDryback)
			r.Post("/phase", s.handleForcePhase)
			r.Post("/shot", s.handleShot)
			r.Post("/override", s.handleOverride)
		})
	})
	return r
}

// Start serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.log.Info("api listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func zoneParam(r *http.Request) (models.ZoneID, error) {
	raw := chi.URLParam(r, "zone")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid zone id")
	}
	return models.ZoneID(n), nil
}

// serviceStatus maps engine service errors onto HTTP codes.
func serviceStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownZone):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Health(r.Context()))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := s.eng.Health(r.Context())
	status := http.StatusOK
	if snap.Overall == engine.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot())
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot().Zones)
}

func (s *Server) handleZone(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, zv := range s.eng.Snapshot().Zones {
		if zv.Zone == id {
			writeJSON(w, http.StatusOK, zv)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown zone")
}

func (s *Server) handleZoneCheck(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	chk, err := s.eng.CheckTransitionConditions(id)
	if err != nil {
		writeError(w, serviceStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

func (s *Server) handleZoneDryback(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	windows, err := s.eng.DrybackHistory(id)
	if err != nil {
		writeError(w, serviceStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

type forcePhaseRequest struct {
	Phase string `json:"phase"`
}

func (s *Server) handleForcePhase(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req forcePhaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	phase, err := models.ParsePhase(req.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.ForcePhase(id, phase); err != nil {
		writeError(w, serviceStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"zone":  id,
		"phase": phase,
	})
}

type shotRequest struct {
	RequestID  string  `json:"requestId"`
	VolumeMl   float64 `json:"volumeMl"`
	DurationMs int64   `json:"durationMs"`
	Reason     string  `json:"reason"`
}

func (s *Server) handleShot(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req shotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	jobID, err := s.eng.ExecuteShot(engine.ShotRequest{
		RequestID: req.RequestID,
		Zone:      id,
		VolumeMl:  req.VolumeMl,
		Duration:  time.Duration(req.DurationMs) * time.Millisecond,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, serviceStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

type overrideRequest struct {
	Active      bool    `json:"active"`
	DurationSec float64 `json:"durationSec"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, err := zoneParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	d := time.Duration(req.DurationSec * float64(time.Second))
	if err := s.eng.SetManualOverride(id, req.Active, d); err != nil {
		writeError(w, serviceStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"zone":   id,
		"active": req.Active,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	evs := s.eng.RecentEvents(limit)
	if evs == nil {
		evs = []engine.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.ReloadConfig(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.TelemetryPolicy())
}

func (s *Server) handlePolicyPut(w http.ResponseWriter, r *http.Request) {
	var pol engine.TelemetryPolicy
	if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.eng.UpdateTelemetryPolicy(pol)
	writeJSON(w, http.StatusOK, s.eng.TelemetryPolicy())
}
