// Package router provides centralized API route registration.
// All HTTP routes are registered here, grouped by business domain,
// with appropriate middleware applied to each group.
package router

import (
	"net/http"
	"time"

	"khayal/internal/handler"
	"khayal/internal/middleware"
)

// Register registers all API routes to http.DefaultServeMux.
// It creates middleware instances internally and groups routes by business
// domain. allowedOrigins feeds the CORS middleware. Returns a cleanup
// function that should be called on shutdown to stop background goroutines.
func Register(app *handler.App, allowedOrigins []string) func() {
	// SecurityHeaders + CORS + RequestID on every API route
	secureAPI := middleware.Chain(
		middleware.SecurityHeaders(),
		middleware.CORS(allowedOrigins),
		middleware.RequestID(),
	)

	// Auth rate limiter: 10 attempts per minute per IP
	authRL := middleware.NewRateLimiter(10, 1*time.Minute)
	rateLimit := authRL.Limit()

	// Upload rate limiter: previews and orders are expensive to produce
	uploadRL := middleware.NewRateLimiter(60, 1*time.Minute)
	uploadRateLimit := uploadRL.Limit()

	secure := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(h)
	}
	secureRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(rateLimit(h))
	}
	secureUploadRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(uploadRateLimit(h))
	}

	// ── Health ──
	http.HandleFunc("/api/health", secure(handler.HandleHealth(app)))

	// ── Catalog ──
	http.HandleFunc("/api/books", secure(handler.HandleBooks(app)))
	http.HandleFunc("/api/books/", secure(handler.HandleBookByID(app)))

	// ── Previews ──
	http.HandleFunc("/api/previews", secureUploadRL(handler.HandleCreatePreview(app)))
	http.HandleFunc("/api/previews/", secure(handler.HandlePreviewByToken(app)))

	// ── Orders ──
	http.HandleFunc("/api/orders", secureUploadRL(handler.HandleCreateOrder(app)))
	http.HandleFunc("/api/orders/", secure(handler.HandleOrderByNumber(app)))

	// ── OAuth ──
	http.HandleFunc("/api/oauth/url", secure(handler.HandleOAuthURL(app)))
	http.HandleFunc("/api/oauth/callback", secureRL(handler.HandleOAuthCallback(app)))

	// ── Admin ──
	http.HandleFunc("/api/admin/login", secureRL(handler.HandleAdminLogin(app)))
	http.HandleFunc("/api/admin/logout", secure(handler.HandleAdminLogout(app)))
	http.HandleFunc("/api/admin/setup", secureRL(handler.HandleAdminSetup(app)))
	http.HandleFunc("/api/admin/status", secure(handler.HandleAdminStatus(app)))
	http.HandleFunc("/api/admin/books", secure(handler.HandleAdminBooks(app)))
	http.HandleFunc("/api/admin/books/", secure(handler.HandleAdminBookByID(app)))
	http.HandleFunc("/api/admin/orders", secure(handler.HandleAdminOrders(app)))
	http.HandleFunc("/api/admin/orders/", secure(handler.HandleAdminOrderAction(app)))
	http.HandleFunc("/api/admin/users", secure(handler.HandleAdminUsers(app)))
	http.HandleFunc("/api/admin/users/", secure(handler.HandleAdminUserByID(app)))
	http.HandleFunc("/api/admin/config", secure(handler.HandleAdminConfig(app)))
	http.HandleFunc("/api/admin/logs", secure(handler.HandleAdminLogs(app)))
	http.HandleFunc("/api/email/test", secureRL(handler.HandleEmailTest(app)))

	// ── System ──
	http.HandleFunc("/api/system/status", secure(handler.HandleSystemStatus(app)))

	// ── Static story assets ──
	http.HandleFunc("/stories/", secure(handler.HandleStories(app)))

	return func() {
		authRL.Stop()
		uploadRL.Stop()
	}
}
