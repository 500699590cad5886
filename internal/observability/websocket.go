package observability

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The runner binds to localhost; origin checks add nothing here.
		return true
	},
}

// wsMessage is the WebSocket mirror of one SSE frame.
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ServeEventsWS mirrors the SSE stream over a WebSocket connection: the same
// snapshot, replay and live-tail frames, with ping frames as heartbeat.
func (s *Service) ServeEventsWS(w http.ResponseWriter, r *http.Request, runID string, cursor int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.streamRun(r.Context(), runID, cursor,
		func(frame streamFrame) error {
			return conn.WriteJSON(wsMessage{Event: frame.name, Data: frame.data})
		},
		func() error {
			return conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(5*time.Second))
		})
	if err != nil {
		s.logger.Debug("websocket stream ended",
			zap.String("run_id", runID), zap.Error(err))
	}
	return err
}
