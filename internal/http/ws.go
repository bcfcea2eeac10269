package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/notify"
	"github.com/example/campus-rides/internal/observability"
)

var upgrader = websocket.Upgrader{}

// clientMessage is every inbound frame a mobile client can send over the
// socket. Type selects which fields matter.
type clientMessage struct {
	Type     string        `json:"type"` // authenticate | driverStatus | updateLocation
	UserID   string        `json:"user_id,omitempty"`
	Role     string        `json:"role,omitempty"`
	Online   bool          `json:"online,omitempty"`
	Location *models.Coord `json:"location,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := notify.NewSession(conn)
	s.Router.Register(sess)
	go s.readLoop(sess)
}

// readLoop owns the connection until it dies. Removal on exit flips a
// driver's last connection to offline in the geo index.
func (s *Server) readLoop(sess *notify.Session) {
	var userID, role string
	defer func() {
		s.Router.Remove(sess)
		if role == notify.RoleDriver {
			s.syncDriversGauge()
		}
	}()

	for {
		var msg clientMessage
		if err := sess.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "authenticate":
			if msg.UserID == "" {
				_ = sess.WriteJSON(notify.Event{Type: "error", Payload: map[string]string{"message": "user id required"}})
				continue
			}
			userID, role = msg.UserID, msg.Role
			s.Router.Associate(sess, userID, role)

		case "driverStatus":
			if userID == "" || role != notify.RoleDriver {
				_ = sess.WriteJSON(notify.Event{Type: "error", Payload: map[string]string{"message": "only drivers can update status"}})
				continue
			}
			s.Geo.SetPresence(userID, msg.Online, msg.Location)
			s.syncDriversGauge()
			_ = sess.WriteJSON(notify.Event{Type: models.EventStatusUpdated, Payload: map[string]interface{}{
				"online":   msg.Online,
				"location": msg.Location,
			}})
			// A driver arriving mid-request should still see open rides.
			if msg.Online {
				s.Lifecycle.ReplayOpenRequests(context.Background(), userID)
			}

		case "updateLocation":
			if userID == "" || role != notify.RoleDriver || msg.Location == nil {
				continue
			}
			if s.Kafka != nil {
				_ = s.Kafka.PublishPresence(models.Presence{DriverID: userID, Online: true, Loc: *msg.Location})
			}
			s.Lifecycle.ReportDriverLocation(context.Background(), userID, *msg.Location)
		}
	}
}

// syncDriversGauge sets the gauge to the index's view instead of counting
// frames, so duplicate status messages and disconnect-after-offline cannot
// drift it.
func (s *Server) syncDriversGauge() {
	observability.DriversOnline.Set(float64(len(s.Geo.OnlineDrivers())))
}
