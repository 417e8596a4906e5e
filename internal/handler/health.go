package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/dukerupert/eagleeyes/internal/database"
)

// Health reports liveness plus the storage status. A broken database
// answers 503 so load balancers stop routing dispenses here.
func Health(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		st := database.Check(ctx, db)
		status, code := "ok", http.StatusOK
		if !st.OK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "database": st})
	}
}
