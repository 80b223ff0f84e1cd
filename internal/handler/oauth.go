package handler

import (
	"log"
	"net/http"
	"strings"

	"khayal/internal/auth"
)

// HandleOAuthURL handles GET /api/oauth/url?provider=google: returns the
// authorization URL to redirect the admin to.
func HandleOAuthURL(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		provider := r.URL.Query().Get("provider")
		url, err := app.GetOAuthURL(provider)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// OAuthCallbackResponse contains the result of an OAuth callback.
type OAuthCallbackResponse struct {
	User    *auth.OAuthUser `json:"user"`
	Session *auth.Session   `json:"session"`
}

// HandleOAuthCallback handles GET /api/oauth/callback: validates the
// state, exchanges the code, and creates a session.
func HandleOAuthCallback(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		provider := q.Get("provider")
		code := q.Get("code")
		state := q.Get("state")
		if provider == "" || code == "" {
			WriteError(w, http.StatusBadRequest, "provider and code are required")
			return
		}
		if len(provider) > 50 || strings.ContainsAny(provider, "/<>\"'\\") {
			WriteError(w, http.StatusBadRequest, "invalid provider name")
			return
		}
		if !app.oauthClient.ValidateState(state) {
			WriteError(w, http.StatusBadRequest, "invalid or expired OAuth state")
			return
		}

		user, err := app.oauthClient.HandleCallback(r.Context(), provider, code)
		if err != nil {
			log.Printf("[OAuth] callback error for %s: %v", provider, err)
			WriteError(w, http.StatusUnauthorized, "OAuth authentication failed")
			return
		}

		session, err := app.sessionManager.CreateSession(provider + "_" + user.ID)
		if err != nil {
			log.Printf("[OAuth] session error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to create session")
			return
		}

		WriteJSON(w, http.StatusOK, &OAuthCallbackResponse{User: user, Session: session})
	}
}
