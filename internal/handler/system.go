package handler

import (
	"log"
	"net/http"
)

// HandleHealth is the liveness probe. It also pings the database so load
// balancers pull the instance when storage goes away.
func HandleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := app.db.PingContext(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleSystemStatus reports operational counters for the admin dashboard.
func HandleSystemStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		counts := map[string]int{}
		for name, query := range map[string]string{
			"books":              "SELECT COUNT(*) FROM books WHERE is_active = 1",
			"previews":           "SELECT COUNT(*) FROM previews",
			"previews_pending":   "SELECT COUNT(*) FROM previews WHERE preview_status = 'processing'",
			"orders":             "SELECT COUNT(*) FROM orders",
			"generations_active": "SELECT COUNT(*) FROM generated_books WHERE generation_status IN ('queued', 'processing')",
			"generations_failed": "SELECT COUNT(*) FROM generated_books WHERE generation_status = 'failed'",
		} {
			var n int
			if err := app.db.QueryRowContext(r.Context(), query).Scan(&n); err != nil {
				log.Printf("[System] count %s error: %v", name, err)
				continue
			}
			counts[name] = n
		}

		status := map[string]interface{}{"counts": counts}
		baseDir := app.configManager.Get().Storage.BaseDir
		if free, total, err := diskSpace(baseDir); err == nil {
			status["disk_free_mb"] = free >> 20
			status["disk_total_mb"] = total >> 20
		}
		WriteJSON(w, http.StatusOK, status)
	}
}
