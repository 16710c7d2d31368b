package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/auth"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/rides"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/taxi"
)

const maxBodyBytes = 1 << 20

// TelemetryPublisher hands telemetry to an asynchronous pipeline. When the
// server has none, telemetry is applied inline.
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, tm models.TaxiTelemetry) error
}

// Pinger is implemented by dependencies that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Routes    storage.RouteCatalog
	Taxis     *taxi.Service
	Rides     *rides.Engine
	Hub       *dispatch.Hub
	Telemetry TelemetryPublisher
	// Tokens, when set, makes bearer tokens the only accepted identity.
	// Otherwise the gateway's X-User-ID / X-User-Roles headers are trusted.
	Tokens *auth.Tokens
	Ready  []Pinger
	Logger *slog.Logger
}

type Server struct {
	routes    storage.RouteCatalog
	taxis     *taxi.Service
	rides     *rides.Engine
	hub       *dispatch.Hub
	telemetry TelemetryPublisher
	tokens    *auth.Tokens
	ready     []Pinger
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		routes:    d.Routes,
		taxis:     d.Taxis,
		rides:     d.Rides,
		hub:       d.Hub,
		telemetry: d.Telemetry,
		tokens:    d.Tokens,
		ready:     d.Ready,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.authenticated(s.handleWS)).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/taxis/{id}/telemetry", s.withRole(roleDevice, s.handleTelemetry)).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/routes", s.authenticated(s.handleFindRoute)).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}", s.authenticated(s.handleGetRoute)).Methods(http.MethodGet)

	api.HandleFunc("/taxis", s.withRole(roleDriver, s.handleCreateTaxi)).Methods(http.MethodPost)
	api.HandleFunc("/taxis/{id}", s.authenticated(s.handleGetTaxi)).Methods(http.MethodGet)
	api.HandleFunc("/taxis/{id}", s.withRole(roleDriver, s.handleDeleteTaxi)).Methods(http.MethodDelete)
	api.HandleFunc("/taxis/{id}/status", s.withRole(roleDriver, s.handleUpdateStatus)).Methods(http.MethodPatch)
	api.HandleFunc("/taxis/{id}/stop", s.withRole(roleDriver, s.handleUpdateStop)).Methods(http.MethodPatch)
	api.HandleFunc("/taxis/{id}/load", s.withRole(roleDriver, s.handleUpdateLoad)).Methods(http.MethodPatch)
	api.HandleFunc("/taxis/{id}/direction", s.withRole(roleDriver, s.handleUpdateDirection)).Methods(http.MethodPatch)
	api.HandleFunc("/taxis/{id}/return-pickups", s.withRole(roleDriver, s.handleReturnPickups)).Methods(http.MethodPatch)

	api.HandleFunc("/requests", s.withRole(rolePassenger, s.handleCreateRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.authenticated(s.handleGetRequest)).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.withRole(roleDriver, s.handleAccept)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.withRole(rolePassenger, s.handlePassengerCancel)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/driver-cancel", s.withRole(roleDriver, s.handleDriverCancel)).Methods(http.MethodPost)

	api.HandleFunc("/drivers/me/taxi", s.withRole(roleDriver, s.handleMyTaxi)).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/requests", s.withRole(roleDriver, s.handleNearby)).Methods(http.MethodGet)
	api.HandleFunc("/passengers/me/requests", s.withRole(rolePassenger, s.handleMyRequests)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.ready {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, userFromContext(r.Context()).ID)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.routes.GetRoute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// handleFindRoute answers GET /routes?stop=A&stop=B with a route serving
// every named stop.
func (s *Server) handleFindRoute(w http.ResponseWriter, r *http.Request) {
	stops := r.URL.Query()["stop"]
	if len(stops) == 0 {
		s.writeError(w, r, models.Validation("at least one stop query parameter is required"))
		return
	}
	route, err := s.routes.FindRouteContainingStops(r.Context(), stops...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleCreateTaxi(w http.ResponseWriter, r *http.Request) {
	var in taxi.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	t, err := s.taxis.Create(r.Context(), userFromContext(r.Context()).ID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTaxi(w http.ResponseWriter, r *http.Request) {
	t, err := s.taxis.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMyTaxi(w http.ResponseWriter, r *http.Request) {
	t, err := s.taxis.ForDriver(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTaxi(w http.ResponseWriter, r *http.Request) {
	if err := s.taxis.Delete(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.TaxiStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.writeTaxi(w, r)(s.taxis.UpdateStatus(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"], body.Status))
}

func (s *Server) handleUpdateStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentStop string `json:"currentStop"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.writeTaxi(w, r)(s.taxis.UpdateStop(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"], body.CurrentStop))
}

func (s *Server) handleUpdateLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentLoad *int `json:"currentLoad"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.CurrentLoad == nil {
		s.writeError(w, r, models.ErrInvalidLoad)
		return
	}
	s.writeTaxi(w, r)(s.taxis.UpdateLoad(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"], *body.CurrentLoad))
}

func (s *Server) handleUpdateDirection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Direction models.Direction `json:"direction"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.writeTaxi(w, r)(s.taxis.UpdateDirection(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"], body.Direction))
}

func (s *Server) handleReturnPickups(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowReturnPickups bool `json:"allowReturnPickups"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.writeTaxi(w, r)(s.taxis.SetAllowReturnPickups(r.Context(), userFromContext(r.Context()).ID, mux.Vars(r)["id"], body.AllowReturnPickups))
}

func (s *Server) writeTaxi(w http.ResponseWriter, r *http.Request) func(*models.Taxi, error) {
	return func(t *models.Taxi, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// handleTelemetry takes reports from onboard devices. Callers need the device
// role; the route sits outside the user API.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var tm models.TaxiTelemetry
	if !s.decode(w, r, &tm) {
		return
	}
	tm.TaxiID = mux.Vars(r)["id"]
	if s.telemetry != nil {
		if err := s.telemetry.PublishTelemetry(r.Context(), tm); err != nil {
			observability.TelemetryMessages.WithLabelValues("publish_error").Inc()
			s.writeError(w, r, err)
			return
		}
		observability.TelemetryMessages.WithLabelValues("published").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := s.taxis.ApplyTelemetry(r.Context(), tm); err != nil {
		observability.TelemetryMessages.WithLabelValues("invalid").Inc()
		s.writeError(w, r, err)
		return
	}
	observability.TelemetryMessages.WithLabelValues("applied").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in rides.CreateInput
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.rides.Create(r.Context(), userFromContext(r.Context()).ID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, err := s.rides.Accept(r.Context(), mux.Vars(r)["id"], userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePassengerCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.rides.CancelByPassenger(r.Context(), mux.Vars(r)["id"], userFromContext(r.Context()).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	req, err := s.rides.CancelByDriver(r.Context(), mux.Vars(r)["id"], userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	reqType := models.RequestType(r.URL.Query().Get("type"))
	if reqType == "" {
		reqType = models.RequestRide
	}
	reqs, err := s.rides.NearbyRequests(r.Context(), userFromContext(r.Context()).ID, reqType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.rides.ListByPassenger(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, models.Validation("malformed request body"))
		return false
	}
	return true
}

func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(models.KindOf(err))
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
