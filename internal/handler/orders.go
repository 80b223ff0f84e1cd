package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"khayal/internal/book"
	"khayal/internal/order"
	"khayal/internal/preview"
)

// HandleCreateOrder handles POST /api/orders.
func HandleCreateOrder(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req order.CreateRequest
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !IsValidHexID(req.PreviewToken) {
			WriteError(w, http.StatusBadRequest, "invalid preview token")
			return
		}

		o, err := app.orders.Create(r.Context(), &req, GetBaseURL(r))
		if err != nil {
			switch {
			case errors.Is(err, preview.ErrNotFound), errors.Is(err, book.ErrNotFound):
				WriteError(w, http.StatusNotFound, "preview not found")
			case errors.Is(err, preview.ErrExpired):
				WriteError(w, http.StatusGone, "preview expired")
			default:
				if strings.Contains(err.Error(), "not completed") ||
					strings.Contains(err.Error(), "required") ||
					strings.Contains(err.Error(), "invalid") {
					WriteError(w, http.StatusBadRequest, err.Error())
					return
				}
				log.Printf("[Orders] create error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to create order")
			}
			return
		}
		WriteJSON(w, http.StatusCreated, o)
	}
}

// HandleOrderByNumber handles GET /api/orders/{number}/status and
// GET /api/orders/{number}/download. Both require the customer email as
// an ?email= query parameter.
func HandleOrderByNumber(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
		number, action, _ := strings.Cut(rest, "/")
		if !IsValidOrderNumber(number) {
			WriteError(w, http.StatusBadRequest, "invalid order number")
			return
		}
		email := strings.TrimSpace(r.URL.Query().Get("email"))
		if email == "" {
			WriteError(w, http.StatusBadRequest, "email is required")
			return
		}

		switch action {
		case "status":
			st, err := app.orders.GetStatus(r.Context(), number, email)
			if err != nil {
				writeOrderError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, st)

		case "download":
			path, err := app.orders.DownloadPath(r.Context(), number, email)
			if err != nil {
				writeOrderError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `attachment; filename="`+number+`.pdf"`)
			http.ServeFile(w, r, path)

		default:
			WriteError(w, http.StatusNotFound, "not found")
		}
	}
}

func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		WriteError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrNotReady):
		WriteError(w, http.StatusConflict, "book not ready yet")
	default:
		log.Printf("[Orders] error: %v", err)
		WriteError(w, http.StatusInternalServerError, "failed to load order")
	}
}
