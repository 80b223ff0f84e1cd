package auth

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Login throttling policy: maxFailures consecutive failures from one IP
// lock it out for banDuration. A successful login clears the counter.
const (
	maxFailures = 10
	banDuration = 1 * time.Hour
)

// LoginLimiter tracks failed admin login attempts per IP, persisted in the
// login_bans table so bans survive restarts.
type LoginLimiter struct {
	db *sql.DB
	mu sync.Mutex
}

// NewLoginLimiter creates a LoginLimiter backed by the given database.
func NewLoginLimiter(db *sql.DB) *LoginLimiter {
	return &LoginLimiter{db: db}
}

// CheckAllowed returns nil if a login attempt from ip is allowed, or an
// error describing the remaining lockout.
func (ll *LoginLimiter) CheckAllowed(ip string) error {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	var bannedUntil sql.NullString
	err := ll.db.QueryRow("SELECT banned_until FROM login_bans WHERE ip = ?", ip).Scan(&bannedUntil)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query login bans: %w", err)
	}
	if !bannedUntil.Valid {
		return nil
	}

	until, err := time.Parse(time.RFC3339, bannedUntil.String)
	if err != nil {
		return nil
	}
	now := time.Now().UTC()
	if now.After(until) {
		return nil
	}

	mins := int(until.Sub(now).Minutes())
	if mins < 1 {
		return fmt.Errorf("too many failed login attempts, try again shortly")
	}
	return fmt.Errorf("too many failed login attempts, try again in %d minutes", mins)
}

// RecordFailure counts a failed attempt and applies the ban once the
// threshold is reached.
func (ll *LoginLimiter) RecordFailure(ip string) error {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	_, err := ll.db.Exec(`
		INSERT INTO login_bans (ip, failures, updated_at) VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(ip) DO UPDATE SET failures = failures + 1, updated_at = CURRENT_TIMESTAMP`, ip)
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}

	var failures int
	if err := ll.db.QueryRow("SELECT failures FROM login_bans WHERE ip = ?", ip).Scan(&failures); err != nil {
		return fmt.Errorf("read login failures: %w", err)
	}

	if failures >= maxFailures {
		until := time.Now().UTC().Add(banDuration).Format(time.RFC3339)
		if _, err := ll.db.Exec(
			"UPDATE login_bans SET banned_until = ?, failures = 0 WHERE ip = ?", until, ip); err != nil {
			return fmt.Errorf("apply login ban: %w", err)
		}
	}
	return nil
}

// RecordSuccess clears the failure counter for ip.
func (ll *LoginLimiter) RecordSuccess(ip string) error {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	if _, err := ll.db.Exec("DELETE FROM login_bans WHERE ip = ?", ip); err != nil {
		return fmt.Errorf("clear login failures: %w", err)
	}
	return nil
}
