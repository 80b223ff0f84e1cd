// Package db provides SQLite database initialization and migration for the storybook service.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens a SQLite database connection at dbPath, enables WAL mode and
// foreign keys, and creates all required tables idempotently.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			title           TEXT NOT NULL,
			description     TEXT,
			age_range       TEXT,
			category        TEXT,
			price           REAL NOT NULL,
			hero_name       TEXT NOT NULL DEFAULT '',
			template_path   TEXT NOT NULL,
			cover_image_path TEXT,
			preview_images  TEXT,
			reference_images TEXT,
			is_active       INTEGER DEFAULT 1,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS previews (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			book_id             INTEGER NOT NULL,
			preview_token       TEXT UNIQUE NOT NULL,
			child_name          TEXT NOT NULL DEFAULT '',
			original_photo_path TEXT NOT NULL,
			cartoon_photo_path  TEXT,
			slide_image_paths   TEXT,
			preview_status      TEXT DEFAULT 'processing',
			error_message       TEXT,
			expires_at          DATETIME NOT NULL,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (book_id) REFERENCES books(id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			book_id          INTEGER NOT NULL,
			preview_id       INTEGER,
			order_number     TEXT UNIQUE NOT NULL,
			child_name       TEXT NOT NULL,
			child_age        INTEGER,
			customer_name    TEXT NOT NULL,
			customer_email   TEXT NOT NULL,
			customer_phone   TEXT,
			shipping_address TEXT,
			shipping_country TEXT,
			total_amount     REAL NOT NULL,
			currency         TEXT NOT NULL DEFAULT 'SAR',
			payment_status   TEXT DEFAULT 'pending',
			payment_method   TEXT,
			order_status     TEXT DEFAULT 'received',
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (book_id) REFERENCES books(id),
			FOREIGN KEY (preview_id) REFERENCES previews(id)
		)`,
		`CREATE TABLE IF NOT EXISTS generated_books (
			id                      INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id                INTEGER UNIQUE NOT NULL,
			original_photo_path     TEXT NOT NULL,
			swapped_image_paths     TEXT,
			final_pptx_path         TEXT,
			final_pdf_path          TEXT,
			generation_status       TEXT DEFAULT 'queued',
			faces_completed         INTEGER DEFAULT 0,
			estimated_time_minutes  INTEGER,
			error_message           TEXT,
			retry_count             INTEGER DEFAULT 0,
			processing_started_at   DATETIME,
			processing_completed_at DATETIME,
			created_at              DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at              DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (order_id) REFERENCES orders(id)
		)`,
		`CREATE TABLE IF NOT EXISTS generation_logs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			generated_book_id INTEGER NOT NULL,
			step              TEXT NOT NULL,
			status            TEXT NOT NULL,
			api_provider      TEXT,
			error_details     TEXT,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (generated_book_id) REFERENCES generated_books(id)
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			preview_token TEXT NOT NULL,
			book_id       INTEGER NOT NULL,
			phone_number  TEXT,
			email         TEXT,
			message_sent  INTEGER DEFAULT 0,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reference_faces (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			book_id    INTEGER NOT NULL,
			image_path TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (book_id, image_path),
			FOREIGN KEY (book_id) REFERENCES books(id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'editor',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS login_bans (
			ip         TEXT PRIMARY KEY,
			failures   INTEGER NOT NULL DEFAULT 0,
			banned_until DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return tx.Commit()
}

// migrateTables adds missing columns to existing tables for backward compatibility.
func migrateTables(db *sql.DB) error {
	// Each migration: table, column, DDL to add it
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"books", "hero_name", "ALTER TABLE books ADD COLUMN hero_name TEXT NOT NULL DEFAULT ''"},
		{"books", "reference_images", "ALTER TABLE books ADD COLUMN reference_images TEXT"},
		{"orders", "currency", "ALTER TABLE orders ADD COLUMN currency TEXT NOT NULL DEFAULT 'SAR'"},
		{"previews", "cartoon_photo_path", "ALTER TABLE previews ADD COLUMN cartoon_photo_path TEXT"},
		{"contacts", "email", "ALTER TABLE contacts ADD COLUMN email TEXT"},
	}

	for _, m := range migrations {
		if !columnExists(db, m.table, m.column) {
			if _, err := db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration failed (%s.%s): %w", m.table, m.column, err)
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
