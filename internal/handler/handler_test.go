package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"khayal/internal/auth"
	"khayal/internal/book"
	"khayal/internal/config"
	"khayal/internal/convert"
	"khayal/internal/db"
	"khayal/internal/faceswap"
	"khayal/internal/facematch"
	"khayal/internal/imaging"
	"khayal/internal/notify"
	"khayal/internal/order"
	"khayal/internal/preview"
	"khayal/internal/pricing"
)

type fakeProvider struct{}

func (fakeProvider) DetectFaces(ctx context.Context, img []byte) ([]faceswap.Face, error) {
	return nil, nil
}
func (fakeProvider) Swap(ctx context.Context, src, dst []byte) ([]byte, error) {
	return dst, nil
}
func (fakeProvider) Cartoonify(ctx context.Context, photo []byte) ([]byte, error) {
	return photo, nil
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	base := t.TempDir()

	key := bytes.Repeat([]byte("k"), 32)
	cm, err := config.NewConfigManagerWithKey(filepath.Join(base, "config.json"), key)
	if err != nil {
		t.Fatalf("NewConfigManagerWithKey: %v", err)
	}
	if err := cm.Load(); err != nil {
		t.Fatalf("config load: %v", err)
	}
	err = cm.Update(map[string]interface{}{
		"storage.db_path":       filepath.Join(base, "test.db"),
		"storage.base_dir":      filepath.Join(base, "stories"),
		"storage.templates_dir": filepath.Join(base, "stories", "templates"),
		"storage.uploads_dir":   filepath.Join(base, "stories", "uploads"),
		"storage.previews_dir":  filepath.Join(base, "stories", "previews"),
		"storage.generated_dir": filepath.Join(base, "stories", "generated"),
	})
	if err != nil {
		t.Fatalf("config update: %v", err)
	}

	conn, err := db.InitDB(cm.Get().Storage.DBPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	pricingFn := func() map[string]pricing.CurrencyConfig { return cm.Get().Pricing }
	books := book.NewService(conn, pricingFn)

	provider := fakeProvider{}
	matcher := facematch.NewMatcher(conn, provider)
	previews := preview.NewManager(conn, books, provider, matcher, func() preview.Settings {
		cfg := cm.Get()
		return preview.Settings{
			Pages:       cfg.Preview.Pages,
			ExpiryDays:  cfg.Preview.ExpiryDays,
			Workers:     cfg.FaceSwap.Workers,
			UploadsDir:  cfg.Storage.UploadsDir,
			PreviewsDir: cfg.Storage.PreviewsDir,
			RenderWidth: cfg.Convert.RenderWidth,
		}
	})
	orders := order.NewService(conn, books, previews, provider, matcher,
		convert.New(filepath.Join(base, "no-soffice"), 1, 200), nil, nil,
		func() order.Settings {
			return order.Settings{
				GeneratedDir: cm.Get().Storage.GeneratedDir,
				Workers:      2,
				PricingTable: cm.Get().Pricing,
			}
		})

	oc := auth.NewOAuthClient(nil)
	t.Cleanup(oc.Stop)
	sm := auth.NewSessionManager(conn, 0)
	es := notify.NewEmailService(func() config.SMTPConfig { return cm.Get().SMTP })

	return NewApp(conn, books, previews, orders, oc, sm, cm, es, nil)
}

func addBook(t *testing.T, app *App, title string, active bool) int64 {
	t.Helper()
	id, err := app.books.Create(context.Background(), &book.Book{
		Title:        title,
		HeroName:     "سامي",
		Price:        249,
		AgeRange:     "3-5",
		Category:     "adventure",
		TemplatePath: "/tmp/template.pptx",
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if !active {
		if err := app.books.Deactivate(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func adminToken(t *testing.T, app *App) string {
	t.Helper()
	resp, err := app.AdminSetup("admin", "password123")
	if err != nil {
		t.Fatalf("AdminSetup: %v", err)
	}
	return resp.Session.ID
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := httptest.NewRecorder()
	HandleHealth(app)(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBooksList(t *testing.T) {
	app := newTestApp(t)
	addBook(t, app, "قصة النجوم", true)
	addBook(t, app, "مخفي", false)

	rec := httptest.NewRecorder()
	HandleBooks(app)(rec, httptest.NewRequest(http.MethodGet, "/api/books", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Books []book.Book `json:"books"`
	}
	decodeJSON(t, rec, &resp)
	if len(resp.Books) != 1 || resp.Books[0].Title != "قصة النجوم" {
		t.Errorf("books = %+v", resp.Books)
	}
}

func TestBookByID(t *testing.T) {
	app := newTestApp(t)
	id := addBook(t, app, "قصة النجوم", true)
	hidden := addBook(t, app, "مخفي", false)

	rec := httptest.NewRecorder()
	HandleBookByID(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/books/"+strconv.FormatInt(id, 10), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("active book status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleBookByID(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/books/"+strconv.FormatInt(hidden, 10), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("inactive book status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleBookByID(app)(rec, httptest.NewRequest(http.MethodGet, "/api/books/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestAdminSetupAndLogin(t *testing.T) {
	app := newTestApp(t)

	// Not configured yet
	rec := httptest.NewRecorder()
	HandleAdminStatus(app)(rec, httptest.NewRequest(http.MethodGet, "/api/admin/status", nil))
	var status map[string]bool
	decodeJSON(t, rec, &status)
	if status["configured"] {
		t.Error("admin reported configured before setup")
	}

	body := strings.NewReader(`{"username":"admin","password":"password123"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/setup", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	HandleAdminSetup(app)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup status = %d: %s", rec.Code, rec.Body.String())
	}

	// Second setup rejected
	body = strings.NewReader(`{"username":"x","password":"password123"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/admin/setup", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	HandleAdminSetup(app)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("second setup status = %d, want 400", rec.Code)
	}

	// Wrong password
	body = strings.NewReader(`{"username":"admin","password":"wrongpass1"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/admin/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	HandleAdminLogin(app)(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}

	// Correct login
	body = strings.NewReader(`{"username":"admin","password":"password123"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/admin/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	HandleAdminLogin(app)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var loginResp AdminLoginResponse
	decodeJSON(t, rec, &loginResp)
	if loginResp.Session == nil || loginResp.Role != "super_admin" {
		t.Errorf("login response = %+v", loginResp)
	}
}

func TestAdminBooksRequiresAuth(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	HandleAdminBooks(app)(rec, httptest.NewRequest(http.MethodGet, "/api/admin/books", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	token := adminToken(t, app)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/books", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	HandleAdminBooks(app)(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d: %s", rec.Code, rec.Body.String())
	}
}

func multipartPhoto(t *testing.T, bookID string, photo []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("book_id", bookID)
	mw.WriteField("child_name", "لينا")
	fw, err := mw.CreateFormFile("photo", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(photo)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestCreatePreviewRejectsSmallPhoto(t *testing.T) {
	app := newTestApp(t)
	id := addBook(t, app, "قصة النجوم", true)

	small, err := imaging.EncodePNG(imaging.NewUniformImage(50, 50, color.White))
	if err != nil {
		t.Fatal(err)
	}
	body, ct := multipartPhoto(t, strconv.FormatInt(id, 10), small)
	req := httptest.NewRequest(http.MethodPost, "/api/previews", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	HandleCreatePreview(app)(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if !strings.Contains(resp["error"], "صغيرة") {
		t.Errorf("error = %q, want Arabic size message", resp["error"])
	}
}

// gatedTransport holds the alert request until the handler has returned,
// then records whether its context was still alive.
type gatedTransport struct {
	gate   chan struct{}
	ctxErr chan error
}

func (g *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	<-g.gate
	g.ctxErr <- req.Context().Err()
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		Header:     make(http.Header),
	}, nil
}

// sharpPhoto builds a checkerboard that passes photo validation.
func sharpPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 700, 700))
	for y := 0; y < 700; y++ {
		for x := 0; x < 700; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.RGBA{R: 120, G: 120, B: 120, A: 255})
			}
		}
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCreatePreviewTelegramAlertSurvivesResponse(t *testing.T) {
	app := newTestApp(t)
	id := addBook(t, app, "قصة النجوم", true)

	g := &gatedTransport{gate: make(chan struct{}), ctxErr: make(chan error, 1)}
	app.telegram = notify.NewTelegramService(func() config.TelegramConfig {
		return config.TelegramConfig{BotToken: "t", ChatID: "1"}
	}, &http.Client{Transport: g})

	body, ct := multipartPhoto(t, strconv.FormatInt(id, 10), sharpPhoto(t))
	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/previews", body).WithContext(reqCtx)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	HandleCreatePreview(app)(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// net/http cancels the request context once the handler returns; the
	// alert must not die with it.
	cancel()
	close(g.gate)
	select {
	case err := <-g.ctxErr:
		if err != nil {
			t.Fatalf("alert aborted after response: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("telegram alert was never sent")
	}
}

func TestCreatePreviewValidation(t *testing.T) {
	app := newTestApp(t)

	body, ct := multipartPhoto(t, "not-a-number", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/previews", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	HandleCreatePreview(app)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad book_id status = %d, want 400", rec.Code)
	}
}

func TestPreviewByTokenValidation(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	HandlePreviewByToken(app)(rec, httptest.NewRequest(http.MethodGet, "/api/previews/short", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid token status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandlePreviewByToken(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/previews/"+strings.Repeat("a", 32), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown token status = %d, want 404", rec.Code)
	}
}

func TestOrderByNumberValidation(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	HandleOrderByNumber(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/orders/garbage/status?email=a@b.c", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid number status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleOrderByNumber(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/orders/KH-20260823-0001/status?email=a@b.c", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown order status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleOrderByNumber(app)(rec, httptest.NewRequest(http.MethodGet,
		"/api/orders/KH-20260823-0001/status", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing email status = %d, want 400", rec.Code)
	}
}

func TestStoriesTraversalBlocked(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{
		"/stories/../config.json",
		"/stories/uploads/secret/photo.jpg",
		"/stories/templates/x/template.pptx",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		HandleStories(app)(rec, req)
		if rec.Code == http.StatusOK {
			t.Errorf("%s served, want rejection", path)
		}
	}
}

func TestValidators(t *testing.T) {
	if !IsValidOrderNumber("KH-20260823-0001") {
		t.Error("valid order number rejected")
	}
	for _, n := range []string{"", "KH-2026-0001", "XX-20260823-0001", "KH-20260823-00a1", "KH-20260823_0001"} {
		if IsValidOrderNumber(n) {
			t.Errorf("%q accepted", n)
		}
	}

	if msg := ValidatePassword("password123"); msg != "" {
		t.Errorf("good password rejected: %s", msg)
	}
	if msg := ValidatePassword("short1"); msg == "" {
		t.Error("short password accepted")
	}
	if msg := ValidatePassword("allletters"); msg == "" {
		t.Error("letters-only password accepted")
	}
}

func TestGetBaseURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://khayal.example/api/health", nil)
	if got := GetBaseURL(req); got != "http://khayal.example" {
		t.Errorf("base URL = %q", got)
	}
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := GetBaseURL(req); got != "https://khayal.example" {
		t.Errorf("forwarded base URL = %q", got)
	}
}
