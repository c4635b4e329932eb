package debughub

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades r to a websocket and streams every Event matching
// filter until the client disconnects or the hub is disabled. Browsers
// don't send anything on this socket, so any read error or close frame
// ends the session.
func ServeWS(hub *Hub, filter Filter, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	if logger == nil {
		logger = slog.Default()
	}

	events, unsubscribe, ok := hub.Subscribe(filter)
	if !ok {
		http.Error(w, "debug stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("debug websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Warn("debug websocket write failed", "error", err)
				return
			}
		}
	}
}
