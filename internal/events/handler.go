package events

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Handler upgrades admin requests to WebSocket and streams events until the
// dashboard disconnects. An empty originPatterns list accepts any origin.
// ?license_id= narrows the feed to one license.
func Handler(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := &ws.AcceptOptions{OriginPatterns: originPatterns}
		if len(originPatterns) == 0 {
			opts.InsecureSkipVerify = true
		}
		conn, err := ws.Accept(w, r, opts)
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn, r.URL.Query().Get("license_id")).Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
