package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/campus-rides/internal/models"
)

type rideRequestBody struct {
	Pickup  models.Stop `json:"pickup"`
	Dropoff models.Stop `json:"dropoff"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.Lifecycle.RequestRide(r.Context(), callerID(r), body.Pickup, body.Dropoff)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type scheduleRequestBody struct {
	Pickup       models.Stop `json:"pickup"`
	Dropoff      models.Stop `json:"dropoff"`
	ScheduledFor time.Time   `json:"scheduled_for"`
}

func (s *Server) handleScheduleRide(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ride, err := s.Lifecycle.ScheduleRide(r.Context(), callerID(r), body.Pickup, body.Dropoff, body.ScheduledFor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ride": ride})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Lifecycle.AcceptRide(r.Context(), callerID(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ride": ride})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Lifecycle.StartRide(r.Context(), callerID(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ride": ride})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Lifecycle.CompleteRide(r.Context(), callerID(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ride":         ride,
		"fare_charged": ride.Fare.Total,
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Lifecycle.CancelRide(r.Context(), callerID(r), mux.Vars(r)["ride_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Lifecycle.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ride": ride})
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Lifecycle.ListUserRides(r.Context(), callerID(r), callerRole(r), 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rides": rides})
}

// handleDriverPresence ingests presence pings from the driver app. The ping
// goes to Kafka when configured so other instances converge via the
// consumer; the local geo index is updated either way.
func (s *Server) handleDriverPresence(w http.ResponseWriter, r *http.Request) {
	var p models.Presence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if p.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_id required"})
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPresence(p); err != nil {
			s.logger.Warn("presence publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	loc := p.Loc
	s.Geo.SetPresence(p.DriverID, p.Online, &loc)
	s.syncDriversGauge()
	w.WriteHeader(http.StatusNoContent)
}
