package handler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"khayal/internal/book"
	"khayal/internal/errlog"
	"khayal/internal/order"
	"khayal/internal/pptx"
)

// HandleAdminStatus reports whether the admin account has been set up.
func HandleAdminStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"configured": app.IsAdminConfigured()})
	}
}

// HandleAdminSetup sets the admin credentials on first run.
func HandleAdminSetup(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resp, err := app.AdminSetup(req.Username, req.Password)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleAdminLogin authenticates the admin and returns a session.
func HandleAdminLogin(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resp, err := app.AdminLogin(req.Username, req.Password, ClientIP(r))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleAdminLogout invalidates the current admin session.
func HandleAdminLogout(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != "" && token != authHeader {
			app.sessionManager.DeleteSession(token)
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
	}
}

// HandleAdminBooks handles GET (list all, including inactive) and POST
// (create from a multipart form with the template and images).
func HandleAdminBooks(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		switch r.Method {
		case http.MethodGet:
			books, err := app.books.ListAll(r.Context())
			if err != nil {
				log.Printf("[Admin] list books error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to list books")
				return
			}
			if books == nil {
				books = []*book.Book{}
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{"books": books})

		case http.MethodPost:
			b, err := parseBookForm(app, r)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			id, err := app.books.Create(r.Context(), b)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			b.ID = id
			WriteJSON(w, http.StatusCreated, b)

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleAdminBookByID handles PUT (metadata update) and DELETE
// (deactivate) for /api/admin/books/{id}.
func HandleAdminBookByID(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		idStr := strings.TrimPrefix(r.URL.Path, "/api/admin/books/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid book ID")
			return
		}

		switch r.Method {
		case http.MethodPut:
			var req struct {
				Title       string  `json:"title"`
				Description string  `json:"description"`
				AgeRange    string  `json:"age_range"`
				Category    string  `json:"category"`
				Price       float64 `json:"price"`
				HeroName    string  `json:"hero_name"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			b := &book.Book{
				ID: id, Title: req.Title, Description: req.Description,
				AgeRange: req.AgeRange, Category: req.Category,
				Price: req.Price, HeroName: req.HeroName,
			}
			if err := app.books.Update(r.Context(), b); err != nil {
				if errors.Is(err, book.ErrNotFound) {
					WriteError(w, http.StatusNotFound, "book not found")
					return
				}
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})

		case http.MethodDelete:
			if err := app.books.Deactivate(r.Context(), id); err != nil {
				if errors.Is(err, book.ErrNotFound) {
					WriteError(w, http.StatusNotFound, "book not found")
					return
				}
				log.Printf("[Admin] deactivate book %d error: %v", id, err)
				WriteError(w, http.StatusInternalServerError, "failed to deactivate book")
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// parseBookForm extracts a new book from the multipart create form: text
// metadata plus the pptx template, the cover image, and the hero
// reference images.
func parseBookForm(app *App, r *http.Request) (*book.Book, error) {
	cfg := app.configManager.Get()
	maxBytes := int64(cfg.Storage.MaxUploadSizeMB) << 20
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	// Templates are much larger than photos
	if err := r.ParseMultipartForm(maxBytes * 10); err != nil {
		return nil, fmt.Errorf("upload too large or malformed")
	}

	price, err := strconv.ParseFloat(r.FormValue("price"), 64)
	if err != nil || price < 0 {
		return nil, fmt.Errorf("invalid price")
	}

	b := &book.Book{
		Title:       strings.TrimSpace(r.FormValue("title")),
		Description: strings.TrimSpace(r.FormValue("description")),
		AgeRange:    strings.TrimSpace(r.FormValue("age_range")),
		Category:    strings.TrimSpace(r.FormValue("category")),
		Price:       price,
		HeroName:    strings.TrimSpace(r.FormValue("hero_name")),
	}
	if b.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	bookDir := filepath.Join(cfg.Storage.TemplatesDir, token)
	if err := os.MkdirAll(bookDir, 0755); err != nil {
		return nil, fmt.Errorf("create template directory: %w", err)
	}

	templateData, err := readFormFile(r, "template", maxBytes*10)
	if err != nil {
		return nil, fmt.Errorf("template file is required")
	}
	if _, err := pptx.Load(templateData); err != nil {
		return nil, fmt.Errorf("template is not a valid pptx file")
	}
	b.TemplatePath = filepath.Join(bookDir, "template.pptx")
	if err := os.WriteFile(b.TemplatePath, templateData, 0644); err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}

	// Covers are served publicly under /stories/covers/
	if coverData, err := readFormFile(r, "cover", maxBytes); err == nil {
		coverName := token + formFileExt(r, "cover")
		coverPath := filepath.Join(cfg.Storage.BaseDir, "covers", coverName)
		if err := os.MkdirAll(filepath.Dir(coverPath), 0755); err != nil {
			return nil, fmt.Errorf("create covers directory: %w", err)
		}
		if err := os.WriteFile(coverPath, coverData, 0644); err != nil {
			return nil, fmt.Errorf("store cover image: %w", err)
		}
		b.CoverImagePath = "/stories/covers/" + coverName
	}

	if r.MultipartForm != nil {
		for i, fh := range r.MultipartForm.File["reference_images"] {
			data, err := readMultipartFile(fh, maxBytes)
			if err != nil {
				return nil, fmt.Errorf("read reference image %d: %w", i+1, err)
			}
			path := filepath.Join(bookDir, fmt.Sprintf("reference%d%s", i+1, strings.ToLower(filepath.Ext(fh.Filename))))
			if err := os.WriteFile(path, data, 0644); err != nil {
				return nil, fmt.Errorf("store reference image: %w", err)
			}
			b.ReferenceImages = append(b.ReferenceImages, path)
		}
	}
	if len(b.ReferenceImages) == 0 {
		return nil, fmt.Errorf("at least one hero reference image is required")
	}

	return b, nil
}

func readFormFile(r *http.Request, field string, maxBytes int64) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, maxBytes))
}

func formFileExt(r *http.Request, field string) string {
	if r.MultipartForm == nil {
		return ""
	}
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return ""
	}
	return strings.ToLower(filepath.Ext(files[0].Filename))
}

func readMultipartFile(fh *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxBytes))
}

// HandleAdminOrders handles GET /api/admin/orders with an optional
// ?status= filter.
func HandleAdminOrders(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		orders, err := app.orders.List(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			log.Printf("[Admin] list orders error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to list orders")
			return
		}
		if orders == nil {
			orders = []*order.Order{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
	}
}

// HandleAdminOrderAction handles POST /api/admin/orders/{number}/{action}
// where action is status, mark-paid, or retry.
func HandleAdminOrderAction(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/api/admin/orders/")
		number, action, _ := strings.Cut(rest, "/")
		if !IsValidOrderNumber(number) {
			WriteError(w, http.StatusBadRequest, "invalid order number")
			return
		}

		var err error
		switch action {
		case "status":
			var req struct {
				OrderStatus string `json:"order_status"`
			}
			if jerr := ReadJSONBody(r, &req); jerr != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			err = app.orders.UpdateStatus(r.Context(), number, req.OrderStatus)
		case "mark-paid":
			var req struct {
				Method string `json:"method"`
			}
			if jerr := ReadJSONBody(r, &req); jerr != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			err = app.orders.MarkPaid(r.Context(), number, req.Method)
		case "retry":
			err = app.orders.RetryGeneration(r.Context(), number, GetBaseURL(r))
		default:
			WriteError(w, http.StatusNotFound, "not found")
			return
		}

		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "order not found")
				return
			}
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleAdminUsers handles GET (list) and POST (create) for admin
// sub-accounts.
func HandleAdminUsers(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := GetAdminSession(app, r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if userID != "admin" {
			WriteError(w, http.StatusForbidden, "only the super admin can manage accounts")
			return
		}

		switch r.Method {
		case http.MethodGet:
			users, err := app.ListAdminUsers()
			if err != nil {
				log.Printf("[Admin] list users error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to list admin users")
				return
			}
			if users == nil {
				users = []AdminUserInfo{}
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{"users": users})

		case http.MethodPost:
			var req struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			u, err := app.CreateAdminUser(req.Username, req.Password)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			WriteJSON(w, http.StatusCreated, u)

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleAdminUserByID handles DELETE /api/admin/users/{id}.
func HandleAdminUserByID(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := GetAdminSession(app, r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if userID != "admin" {
			WriteError(w, http.StatusForbidden, "only the super admin can manage accounts")
			return
		}
		if r.Method != http.MethodDelete {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/admin/users/")
		if !IsValidHexID(id) {
			WriteError(w, http.StatusBadRequest, "invalid user ID")
			return
		}
		if err := app.DeleteAdminUser(id); err != nil {
			log.Printf("[Admin] delete user %s error: %v", id, err)
			WriteError(w, http.StatusInternalServerError, "failed to delete admin user")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// HandleAdminConfig handles GET (masked config) and PUT (partial update)
// for /api/admin/config.
func HandleAdminConfig(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		switch r.Method {
		case http.MethodGet:
			WriteJSON(w, http.StatusOK, app.GetConfig())

		case http.MethodPut:
			var updates map[string]interface{}
			if err := ReadJSONBody(r, &updates); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := app.UpdateConfig(updates); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleAdminLogs manages the error log: GET returns recent lines, the
// archive names, and the rotation threshold; PUT updates the threshold.
func HandleAdminLogs(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		switch r.Method {
		case http.MethodGet:
			n, _ := strconv.Atoi(r.URL.Query().Get("lines"))
			lines, err := errlog.RecentLines(n)
			if err != nil {
				lines = []string{}
			}
			archives, err := errlog.ListArchives()
			if err != nil {
				archives = []string{}
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"lines":            lines,
				"archives":         archives,
				"rotation_size_mb": errlog.GetRotationSizeMB(),
			})

		case http.MethodPut:
			var req struct {
				RotationSizeMB int `json:"rotation_size_mb"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.RotationSizeMB < 1 {
				WriteError(w, http.StatusBadRequest, "rotation_size_mb must be at least 1")
				return
			}
			errlog.SetRotationSizeMB(req.RotationSizeMB)
			WriteJSON(w, http.StatusOK, map[string]int{"rotation_size_mb": errlog.GetRotationSizeMB()})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleEmailTest sends a test email to verify SMTP settings.
func HandleEmailTest(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Email string `json:"email"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := app.TestEmail(req.Email); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}
