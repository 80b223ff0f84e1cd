package auth

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"khayal/internal/config"
	"khayal/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionLifecycle(t *testing.T) {
	sm := NewSessionManager(testDB(t), time.Hour)

	s, err := sm.CreateSession("admin")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(s.ID) != 64 {
		t.Errorf("session ID length = %d, want 64", len(s.ID))
	}

	got, err := sm.ValidateSession(s.ID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if got.UserID != "admin" {
		t.Errorf("UserID = %q", got.UserID)
	}

	if err := sm.DeleteSession(s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := sm.ValidateSession(s.ID); err == nil {
		t.Error("deleted session still validates")
	}
}

func TestSessionExpiry(t *testing.T) {
	sm := NewSessionManager(testDB(t), -time.Hour)
	// Negative expiry falls back to the default, so build an expired row
	// directly instead.
	conn := sm.db
	conn.Exec("INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		"expired-session", "admin",
		time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339))

	if _, err := sm.ValidateSession("expired-session"); err == nil {
		t.Error("expired session validated")
	}

	n, err := sm.CleanExpired()
	if err != nil {
		t.Fatalf("CleanExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanExpired removed %d sessions, want 1", n)
	}
}

func TestSessionMaxAge(t *testing.T) {
	sm := NewSessionManager(testDB(t), time.Hour)
	sm.db.Exec("INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		"ancient", "admin",
		time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		time.Now().UTC().Add(-8*24*time.Hour).Format(time.RFC3339))

	if _, err := sm.ValidateSession("ancient"); err == nil {
		t.Error("session past max age validated")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyAdminPassword("correct horse battery staple", hash); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := VerifyAdminPassword("wrong", hash); err == nil {
		t.Error("wrong password accepted")
	}
	if err := VerifyAdminPassword("anything", ""); err == nil {
		t.Error("empty hash accepted")
	}
}

func TestLoginLimiter(t *testing.T) {
	ll := NewLoginLimiter(testDB(t))
	ip := "203.0.113.7"

	if err := ll.CheckAllowed(ip); err != nil {
		t.Fatalf("fresh IP blocked: %v", err)
	}

	for i := 0; i < maxFailures; i++ {
		if err := ll.RecordFailure(ip); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	if err := ll.CheckAllowed(ip); err == nil {
		t.Error("IP not banned after reaching failure threshold")
	}

	// Other IPs unaffected
	if err := ll.CheckAllowed("203.0.113.8"); err != nil {
		t.Errorf("unrelated IP blocked: %v", err)
	}

	if err := ll.RecordSuccess(ip); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := ll.CheckAllowed(ip); err != nil {
		t.Errorf("IP still blocked after success: %v", err)
	}
}

func TestLoginLimiterBelowThreshold(t *testing.T) {
	ll := NewLoginLimiter(testDB(t))
	ip := "198.51.100.1"

	for i := 0; i < maxFailures-1; i++ {
		if err := ll.RecordFailure(ip); err != nil {
			t.Fatal(err)
		}
	}
	if err := ll.CheckAllowed(ip); err != nil {
		t.Errorf("IP banned below threshold: %v", err)
	}
}

func TestOAuthStateValidation(t *testing.T) {
	oc := NewOAuthClient(map[string]config.OAuthProviderConfig{
		"google": {
			ClientID:    "id",
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			RedirectURL: "https://khayal.example/api/oauth/callback",
		},
	})
	defer oc.Stop()

	url, err := oc.GetAuthURL("google")
	if err != nil {
		t.Fatalf("GetAuthURL: %v", err)
	}
	if url == "" {
		t.Fatal("empty auth URL")
	}

	if oc.ValidateState("never-issued") {
		t.Error("unknown state accepted")
	}

	// Extract the state we just registered.
	oc.stateMu.Lock()
	var state string
	for s := range oc.pendingStates {
		state = s
	}
	oc.stateMu.Unlock()

	if !oc.ValidateState(state) {
		t.Error("issued state rejected")
	}
	if oc.ValidateState(state) {
		t.Error("state valid twice")
	}
}

func TestOAuthUnknownProvider(t *testing.T) {
	oc := NewOAuthClient(nil)
	defer oc.Stop()
	if _, err := oc.GetAuthURL("github"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}

func TestParseUserInfo(t *testing.T) {
	u, err := parseUserInfo("google", []byte(`{"id":"123","email":"a@b.c","name":"A"}`))
	if err != nil {
		t.Fatalf("parseUserInfo: %v", err)
	}
	if u.ID != "123" || u.Email != "a@b.c" || u.Provider != "google" {
		t.Errorf("user = %+v", u)
	}

	if _, err := parseUserInfo("google", []byte(`{}`)); err == nil {
		t.Error("expected error for userinfo without id")
	}
}
