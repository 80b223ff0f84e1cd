// Package handler provides the App struct that serves as the API facade
// for the storybook service, delegating to internal service components.
package handler

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"khayal/internal/auth"
	"khayal/internal/book"
	"khayal/internal/config"
	"khayal/internal/notify"
	"khayal/internal/order"
	"khayal/internal/preview"
)

// App is the API facade that binds all backend services for the frontend.
type App struct {
	db             *sql.DB
	books          *book.Service
	previews       *preview.Manager
	orders         *order.Service
	oauthClient    *auth.OAuthClient
	sessionManager *auth.SessionManager
	configManager  *config.ConfigManager
	emailService   *notify.EmailService
	telegram       *notify.TelegramService
	loginLimiter   *auth.LoginLimiter
}

// NewApp creates a new App with all service dependencies injected.
func NewApp(
	db *sql.DB,
	books *book.Service,
	previews *preview.Manager,
	orders *order.Service,
	oc *auth.OAuthClient,
	sm *auth.SessionManager,
	cm *config.ConfigManager,
	es *notify.EmailService,
	tg *notify.TelegramService,
) *App {
	return &App{
		db:             db,
		books:          books,
		previews:       previews,
		orders:         orders,
		oauthClient:    oc,
		sessionManager: sm,
		configManager:  cm,
		emailService:   es,
		telegram:       tg,
		loginLimiter:   auth.NewLoginLimiter(db),
	}
}

// SessionManager returns the session manager for testing purposes.
func (a *App) SessionManager() *auth.SessionManager {
	return a.sessionManager
}

// --- Authentication Interface ---

// AdminLoginResponse contains the session created after admin login.
type AdminLoginResponse struct {
	Session *auth.Session `json:"session"`
	Role    string        `json:"role,omitempty"`
}

// IsAdminConfigured returns whether the admin account has been set up.
func (a *App) IsAdminConfigured() bool {
	cfg := a.configManager.Get()
	return cfg.Admin.Username != "" && cfg.Admin.PasswordHash != ""
}

// AdminSetup sets the admin username and password for the first time.
// Returns an error if admin is already configured.
func (a *App) AdminSetup(username, password string) (*AdminLoginResponse, error) {
	if a.IsAdminConfigured() {
		return nil, fmt.Errorf("admin account already configured")
	}
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if len(username) < 3 || len(username) > 64 {
		return nil, fmt.Errorf("username must be 3-64 characters")
	}
	if msg := ValidatePassword(password); msg != "" {
		return nil, errors.New(msg)
	}
	for _, c := range username {
		if c < 0x20 || c == '"' || c == '\'' || c == '\\' || c == '<' || c == '>' {
			return nil, fmt.Errorf("username contains invalid characters")
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	err = a.configManager.Update(map[string]interface{}{
		"admin.username":      username,
		"admin.password_hash": hash,
	})
	if err != nil {
		return nil, err
	}

	session, err := a.sessionManager.CreateSession("admin")
	if err != nil {
		return nil, err
	}
	return &AdminLoginResponse{Session: session, Role: "super_admin"}, nil
}

// AdminLogin verifies the admin username and password and creates a session.
// Checks the super admin first, then admin sub-accounts. Enforces login
// rate limiting per IP.
func (a *App) AdminLogin(username, password, ip string) (*AdminLoginResponse, error) {
	if err := a.loginLimiter.CheckAllowed(ip); err != nil {
		return nil, err
	}

	cfg := a.configManager.Get()

	if cfg.Admin.Username != "" && cfg.Admin.PasswordHash != "" && username == cfg.Admin.Username {
		if err := auth.VerifyAdminPassword(password, cfg.Admin.PasswordHash); err != nil {
			a.loginLimiter.RecordFailure(ip)
			log.Printf("[Auth] failed admin login attempt: username=%q ip=%s", username, ip)
			return nil, fmt.Errorf("invalid username or password")
		}
		a.loginLimiter.RecordSuccess(ip)
		log.Printf("[Auth] successful admin login: username=%q ip=%s", username, ip)
		// Session rotation
		_ = a.sessionManager.DeleteSessionsByUserID("admin")
		session, err := a.sessionManager.CreateSession("admin")
		if err != nil {
			return nil, err
		}
		return &AdminLoginResponse{Session: session, Role: "super_admin"}, nil
	}

	var id, passwordHash, role string
	err := a.db.QueryRow(
		"SELECT id, password_hash, role FROM admin_users WHERE username = ?", username,
	).Scan(&id, &passwordHash, &role)
	if err != nil {
		a.loginLimiter.RecordFailure(ip)
		log.Printf("[Auth] failed sub-admin login attempt: username=%q ip=%s (user not found)", username, ip)
		return nil, fmt.Errorf("invalid username or password")
	}
	if err := auth.VerifyAdminPassword(password, passwordHash); err != nil {
		a.loginLimiter.RecordFailure(ip)
		log.Printf("[Auth] failed sub-admin login attempt: username=%q ip=%s (wrong password)", username, ip)
		return nil, fmt.Errorf("invalid username or password")
	}
	a.loginLimiter.RecordSuccess(ip)
	log.Printf("[Auth] successful sub-admin login: username=%q ip=%s role=%s", username, ip, role)

	_ = a.sessionManager.DeleteSessionsByUserID("admin_" + id)
	session, err := a.sessionManager.CreateSession("admin_" + id)
	if err != nil {
		return nil, err
	}
	return &AdminLoginResponse{Session: session, Role: role}, nil
}

// IsAdminSession checks if a user ID belongs to any admin (super or sub).
func (a *App) IsAdminSession(userID string) bool {
	return userID == "admin" || strings.HasPrefix(userID, "admin_")
}

// --- Admin Sub-Account Management ---

// AdminUserInfo holds info about an admin sub-account.
type AdminUserInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateAdminUser creates a new admin sub-account with the editor role.
func (a *App) CreateAdminUser(username, password string) (*AdminUserInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if len(username) < 3 || len(username) > 64 {
		return nil, fmt.Errorf("username must be 3-64 characters")
	}
	if msg := ValidatePassword(password); msg != "" {
		return nil, errors.New(msg)
	}

	cfg := a.configManager.Get()
	if username == cfg.Admin.Username {
		return nil, fmt.Errorf("username already exists")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := generateToken()
	if err != nil {
		return nil, err
	}

	_, err = a.db.Exec(
		"INSERT INTO admin_users (id, username, password_hash, role) VALUES (?, ?, ?, 'editor')",
		id, username, hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("username already exists")
		}
		return nil, fmt.Errorf("create admin user: %w", err)
	}
	return &AdminUserInfo{ID: id, Username: username, Role: "editor"}, nil
}

// ListAdminUsers returns all admin sub-accounts.
func (a *App) ListAdminUsers() ([]AdminUserInfo, error) {
	rows, err := a.db.Query(
		"SELECT id, username, role, created_at FROM admin_users ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []AdminUserInfo
	for rows.Next() {
		var u AdminUserInfo
		var createdAt sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = createdAt.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteAdminUser removes an admin sub-account and its sessions.
func (a *App) DeleteAdminUser(id string) error {
	_, _ = a.db.Exec("DELETE FROM sessions WHERE user_id = ?", "admin_"+id)
	_, err := a.db.Exec("DELETE FROM admin_users WHERE id = ?", id)
	return err
}

// --- OAuth Interface ---

// GetOAuthURL returns the OAuth authorization URL for the given provider.
func (a *App) GetOAuthURL(provider string) (string, error) {
	if len(provider) > 50 || strings.ContainsAny(provider, "/<>\"'\\") {
		return "", fmt.Errorf("invalid provider name")
	}
	return a.oauthClient.GetAuthURL(provider)
}

// RefreshOAuthClient rebuilds the OAuthClient from the current config.
// Called after OAuth provider settings are updated.
func (a *App) RefreshOAuthClient() {
	old := a.oauthClient
	cfg := a.configManager.Get()
	a.oauthClient = auth.NewOAuthClient(cfg.OAuth.Providers)
	if old != nil {
		old.Stop()
	}
}

// --- Configuration Interface ---

// MaskedConfig is a copy of Config with secrets replaced by "***".
type MaskedConfig struct {
	Server   config.ServerConfig   `json:"server"`
	Storage  config.StorageConfig  `json:"storage"`
	FaceSwap config.FaceSwapConfig `json:"faceswap"`
	Convert  config.ConvertConfig  `json:"convert"`
	Preview  config.PreviewConfig  `json:"preview"`
	Pricing  interface{}           `json:"pricing"`
	SMTP     config.SMTPConfig     `json:"smtp"`
	Telegram config.TelegramConfig `json:"telegram"`
	Admin    config.AdminConfig    `json:"admin"`
	OAuth    MaskedOAuthConfig     `json:"oauth"`
}

// MaskedOAuthConfig holds OAuth config with secrets masked.
type MaskedOAuthConfig struct {
	Providers map[string]MaskedOAuthProvider `json:"providers"`
}

// MaskedOAuthProvider holds a single provider config with the secret masked.
type MaskedOAuthProvider struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// GetConfig returns the current configuration with secrets masked.
func (a *App) GetConfig() *MaskedConfig {
	cfg := a.configManager.Get()
	if cfg == nil {
		return nil
	}

	masked := &MaskedConfig{
		Server:   cfg.Server,
		Storage:  cfg.Storage,
		FaceSwap: cfg.FaceSwap,
		Convert:  cfg.Convert,
		Preview:  cfg.Preview,
		Pricing:  cfg.Pricing,
		SMTP:     cfg.SMTP,
		Telegram: cfg.Telegram,
		Admin:    cfg.Admin,
	}

	masked.FaceSwap.APIKey = maskSecret(cfg.FaceSwap.APIKey)
	masked.SMTP.Password = maskSecret(cfg.SMTP.Password)
	masked.Telegram.BotToken = maskSecret(cfg.Telegram.BotToken)
	masked.Admin.PasswordHash = maskSecret(cfg.Admin.PasswordHash)

	masked.OAuth.Providers = make(map[string]MaskedOAuthProvider, len(cfg.OAuth.Providers))
	for name, p := range cfg.OAuth.Providers {
		masked.OAuth.Providers[name] = MaskedOAuthProvider{
			ClientID:     p.ClientID,
			ClientSecret: maskSecret(p.ClientSecret),
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
		}
	}
	return masked
}

// UpdateConfig applies partial configuration updates.
func (a *App) UpdateConfig(updates map[string]interface{}) error {
	if err := a.configManager.Update(updates); err != nil {
		return err
	}
	for key := range updates {
		if strings.HasPrefix(key, "oauth.") {
			a.RefreshOAuthClient()
			break
		}
	}
	return nil
}

// maskSecret replaces a non-empty secret with "***".
func maskSecret(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "***"
}

// TestEmail sends a test email to verify SMTP configuration.
func (a *App) TestEmail(toEmail string) error {
	toEmail = strings.TrimSpace(toEmail)
	if toEmail == "" {
		return fmt.Errorf("recipient email is required")
	}
	return a.emailService.SendTest(toEmail)
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
