package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"khayal/internal/book"
	"khayal/internal/imaging"
	"khayal/internal/preview"
)

// HandleCreatePreview handles POST /api/previews: a multipart form with
// book_id, child_name, and the child photo under "photo".
func HandleCreatePreview(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		maxBytes := int64(app.configManager.Get().Storage.MaxUploadSizeMB) << 20
		if maxBytes <= 0 {
			maxBytes = 10 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			WriteError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
			return
		}

		bookID, err := strconv.ParseInt(r.FormValue("book_id"), 10, 64)
		if err != nil || bookID <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid book_id")
			return
		}
		childName := strings.TrimSpace(r.FormValue("child_name"))
		if childName == "" || len(childName) > 100 {
			WriteError(w, http.StatusBadRequest, "child_name is required")
			return
		}

		file, header, err := r.FormFile("photo")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "photo file is required")
			return
		}
		defer file.Close()

		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg", ".png", ".webp":
		default:
			WriteError(w, http.StatusBadRequest, "photo must be jpg, png, or webp")
			return
		}

		photo, err := io.ReadAll(io.LimitReader(file, maxBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to read photo")
			return
		}

		p, err := app.previews.Create(r.Context(), bookID, childName, photo)
		if err != nil {
			var verr *imaging.ValidationError
			switch {
			case errors.As(err, &verr):
				WriteError(w, http.StatusUnprocessableEntity, verr.Message)
			case errors.Is(err, book.ErrNotFound):
				WriteError(w, http.StatusNotFound, "book not found")
			default:
				log.Printf("[Previews] create error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to create preview")
			}
			return
		}

		if app.telegram != nil {
			b, berr := app.books.GetByID(r.Context(), bookID)
			if berr == nil {
				// The alert outlives this request; the request context is
				// cancelled as soon as the response is written.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					app.telegram.NotifyPreviewCreated(ctx, p.Token, childName, b.Title, b.Category)
				}()
			}
		}

		WriteJSON(w, http.StatusAccepted, p)
	}
}

// HandlePreviewByToken handles GET /api/previews/{token} and
// POST /api/previews/{token}/contact.
func HandlePreviewByToken(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/previews/")
		token, sub, _ := strings.Cut(rest, "/")
		if !IsValidHexID(token) {
			WriteError(w, http.StatusBadRequest, "invalid preview token")
			return
		}

		switch {
		case sub == "" && r.Method == http.MethodGet:
			p, err := app.previews.GetByToken(r.Context(), token)
			if err != nil {
				writePreviewError(w, err)
				return
			}
			// Expose slide images as URLs, not filesystem paths
			urls := make([]string, 0, len(p.SlideImagePaths))
			for i := range p.SlideImagePaths {
				urls = append(urls, "/stories/previews/"+token+"/slide"+strconv.Itoa(i+1)+".png")
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"preview_token": p.Token,
				"book_id":       p.BookID,
				"child_name":    p.ChildName,
				"status":        p.Status,
				"error_message": p.ErrorMessage,
				"slide_images":  urls,
				"expires_at":    p.ExpiresAt,
			})

		case sub == "contact" && r.Method == http.MethodPost:
			var req struct {
				Phone string `json:"phone"`
				Email string `json:"email"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := app.previews.AddContact(r.Context(), token, strings.TrimSpace(req.Phone), strings.TrimSpace(req.Email)); err != nil {
				if errors.Is(err, preview.ErrNotFound) || errors.Is(err, preview.ErrExpired) {
					writePreviewError(w, err)
					return
				}
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "registered"})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func writePreviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, preview.ErrNotFound):
		WriteError(w, http.StatusNotFound, "preview not found")
	case errors.Is(err, preview.ErrExpired):
		WriteError(w, http.StatusGone, "preview expired")
	default:
		log.Printf("[Previews] error: %v", err)
		WriteError(w, http.StatusInternalServerError, "failed to load preview")
	}
}
