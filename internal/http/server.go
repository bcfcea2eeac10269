package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ingest"
	"github.com/example/campus-rides/internal/notify"
	"github.com/example/campus-rides/internal/ride"
)

// Server is the HTTP surface over the ride lifecycle. Authentication is the
// gateway's job: callers arrive with their identity in X-User-ID and role in
// X-User-Role.
type Server struct {
	Lifecycle *ride.Service
	Geo       geo.Index
	Router    *notify.Router
	Kafka     *ingest.KafkaProducer // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(lc *ride.Service, g geo.Index, nr *notify.Router, kp *ingest.KafkaProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Lifecycle: lc, Geo: g, Router: nr, Kafka: kp, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/rides").Subrouter()
	api.HandleFunc("/request", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/schedule", s.handleScheduleRide).Methods("POST")
	api.HandleFunc("/user/history", s.handleRideHistory).Methods("GET")
	api.HandleFunc("/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/{ride_id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/{ride_id}", s.handleGetRide).Methods("GET")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverPresence).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func callerID(r *http.Request) string   { return r.Header.Get("X-User-ID") }
func callerRole(r *http.Request) string { return r.Header.Get("X-User-Role") }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the domain error taxonomy onto HTTP statuses. Conflicts get
// an explicit "no longer available" body because the driver app must tell
// "someone else got it" apart from "something broke".
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ride.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ride not found"})
	case errors.Is(err, ride.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "ride no longer available"})
	case errors.Is(err, ride.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
