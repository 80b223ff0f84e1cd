package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"khayal/internal/book"
)

// HandleBooks handles GET /api/books: the public catalog, optionally
// filtered by age_range and category, priced in the requested currency.
func HandleBooks(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		books, err := app.books.ListActive(r.Context(),
			q.Get("age_range"), q.Get("category"), strings.ToUpper(q.Get("currency")))
		if err != nil {
			log.Printf("[Books] list error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to list books")
			return
		}
		if books == nil {
			books = []*book.Book{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"books": books})
	}
}

// HandleBookByID handles GET /api/books/{id}.
func HandleBookByID(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		idStr := strings.TrimPrefix(r.URL.Path, "/api/books/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid book ID")
			return
		}

		b, err := app.books.GetByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, book.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "book not found")
				return
			}
			log.Printf("[Books] get %d error: %v", id, err)
			WriteError(w, http.StatusInternalServerError, "failed to load book")
			return
		}
		if !b.IsActive {
			WriteError(w, http.StatusNotFound, "book not found")
			return
		}
		WriteJSON(w, http.StatusOK, b)
	}
}
