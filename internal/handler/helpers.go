package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// GetBaseURL derives the public base URL from the request, respecting
// X-Forwarded-Proto for reverse-proxy setups.
func GetBaseURL(r *http.Request) string {
	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "https" || fwd == "http" {
		scheme = fwd
	}
	return scheme + "://" + host
}

// WriteJSON encodes data as JSON and writes it to the response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ReadJSONBody decodes the request body as JSON into v.
// It validates Content-Type, limits body size to 1MB, and rejects trailing data.
func ReadJSONBody(r *http.Request, v interface{}) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("expected Content-Type application/json")
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 1<<20)
	decoder := json.NewDecoder(limited)
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected trailing data in request body")
	}
	return nil
}

// GetAdminSession validates the Authorization bearer token and checks that
// it belongs to an admin. Returns the session user ID.
func GetAdminSession(app *App, r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || token == authHeader {
		return "", fmt.Errorf("not logged in")
	}
	session, err := app.sessionManager.ValidateSession(token)
	if err != nil {
		return "", fmt.Errorf("session invalid")
	}
	if !app.IsAdminSession(session.UserID) {
		return "", fmt.Errorf("not authorized")
	}
	return session.UserID, nil
}

// IsValidHexID checks if the given string is a valid 32-character lowercase hex ID.
func IsValidHexID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// IsValidOrderNumber checks the KH-YYYYMMDD-NNNN order number shape.
func IsValidOrderNumber(n string) bool {
	if len(n) != 16 || !strings.HasPrefix(n, "KH-") || n[11] != '-' {
		return false
	}
	for _, c := range n[3:11] {
		if c < '0' || c > '9' {
			return false
		}
	}
	for _, c := range n[12:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidatePassword checks password length and complexity requirements.
// Returns an error message if validation fails, or empty string if valid.
func ValidatePassword(password string) string {
	if len(password) < 8 {
		return "password must be at least 8 characters"
	}
	if len(password) > 72 {
		return "password must be at most 72 characters"
	}
	hasLetter := false
	hasDigit := false
	for _, c := range password {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			hasLetter = true
		}
		if c >= '0' && c <= '9' {
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return "password must contain letters and digits"
	}
	return ""
}

// ClientIP extracts the originating client address, trusting the first
// X-Forwarded-For entry when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
