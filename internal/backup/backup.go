// Package backup provides full and incremental backup/restore for the
// storybook service.
//
// Backup strategy (data-level, not file-level):
//
//	Full mode:
//	  - WAL checkpoint then a copy of the SQLite database file
//	  - All story assets (templates, covers, uploads, previews, generated)
//	  - Config + encryption key
//
//	Incremental mode:
//	  - Insert-only tables (generation_logs, contacts, reference_faces):
//	    export only rows with created_at > last backup time
//	  - Mutable tables (books, orders, generated_books, previews, admin_users):
//	    full table dump (rows may be updated)
//	  - Ephemeral tables (sessions, login_bans): skipped
//	  - Story assets: only subdirectories new since the last backup;
//	    covers are always included in full (small, flat)
//	  - Config + encryption key: always included
//
// Archive layout (tar.gz):
//
//	khayal.db                — full DB copy (full mode only)
//	db_delta.sql             — SQL statements for changed data (incremental only)
//	stories/<dir>/<file>     — story asset files
//	config.json              — system configuration (secrets stay encrypted)
//	encryption.key           — AES encryption key
//	manifest.json            — backup metadata
package backup

import (
	"archive/tar"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manifest records backup metadata and is saved alongside the archive.
type Manifest struct {
	Timestamp   string         `json:"timestamp"`          // backup time (RFC3339)
	Mode        string         `json:"mode"`               // "full" or "incremental"
	BasedOn     string         `json:"based_on,omitempty"` // parent manifest (incremental)
	AssetDirs   []string       `json:"asset_dirs"`         // asset subdirs included, e.g. "uploads/<token>"
	DBRowCounts map[string]int `json:"db_row_counts"`      // table -> rows exported
	BaseDir     string         `json:"base_dir"`           // original stories directory path
}

// Options configures a backup operation.
type Options struct {
	DBPath     string // SQLite database path (default "data/khayal.db")
	BaseDir    string // stories directory (default "stories")
	ConfigPath string // config file path (default "data/config.json")
	KeyPath    string // encryption key path (default "data/encryption.key")
	OutputDir  string // output directory for archive (default ".")
	Mode       string // "full" or "incremental"
	ManifestIn string // previous manifest path (required for incremental)
}

// Result holds backup results.
type Result struct {
	ArchivePath  string
	ManifestPath string
	FilesWritten int
	DBRows       int
	BytesWritten int64
}

// insertOnlyTables are append-only; incremental exports rows by created_at.
var insertOnlyTables = []string{"generation_logs", "contacts", "reference_faces"}

// mutableTables may have row updates; incremental does full dump of these.
var mutableTables = []string{"books", "orders", "generated_books", "previews", "admin_users"}

// allDataTables is the union used for full backup row accounting.
var allDataTables = append(append([]string{}, insertOnlyTables...), mutableTables...)

// assetRoots are the subdirectories of BaseDir tracked per-entry so that
// incremental backups can skip directories already archived.
var assetRoots = []string{"templates", "uploads", "previews", "generated"}

// Run executes a backup.
func Run(db *sql.DB, opts Options) (*Result, error) {
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join("data", "khayal.db")
	}
	if opts.BaseDir == "" {
		opts.BaseDir = "stories"
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = filepath.Join("data", "config.json")
	}
	if opts.KeyPath == "" {
		opts.KeyPath = filepath.Join("data", "encryption.key")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Mode == "" {
		opts.Mode = "full"
	}

	// Checkpoint WAL so the copied DB file is consistent
	if db != nil {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Printf("warning: WAL checkpoint failed: %v\n", err)
		}
	}

	var prev *Manifest
	if opts.Mode == "incremental" {
		if opts.ManifestIn == "" {
			return nil, fmt.Errorf("incremental backup requires a base manifest (--base)")
		}
		m, err := loadManifest(opts.ManifestIn)
		if err != nil {
			return nil, fmt.Errorf("load base manifest: %w", err)
		}
		prev = m
	}

	now := time.Now()
	timestamp := now.Format("20060102-150405")
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}

	archiveName := fmt.Sprintf("khayal_%s_%s_%s.tar.gz", opts.Mode, hostname, timestamp)
	manifestName := fmt.Sprintf("khayal_%s_%s_%s.manifest.json", opts.Mode, hostname, timestamp)
	archivePath := filepath.Join(opts.OutputDir, archiveName)
	manifestPath := filepath.Join(opts.OutputDir, manifestName)

	manifest := &Manifest{
		Timestamp:   now.Format(time.RFC3339),
		Mode:        opts.Mode,
		BaseDir:     opts.BaseDir,
		AssetDirs:   []string{},
		DBRowCounts: make(map[string]int),
	}
	if opts.Mode == "incremental" {
		manifest.BasedOn = opts.ManifestIn
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	result := &Result{ArchivePath: archivePath, ManifestPath: manifestPath}

	// 1. Config + encryption key (always)
	for name, p := range map[string]string{
		"config.json":    opts.ConfigPath,
		"encryption.key": opts.KeyPath,
	} {
		if _, err := os.Stat(p); err == nil {
			n, err := addFileToTar(tw, p, name)
			if err != nil {
				return nil, fmt.Errorf("add %s: %w", name, err)
			}
			result.BytesWritten += n
			result.FilesWritten++
		}
	}

	// 2. Database
	if opts.Mode == "full" {
		if _, err := os.Stat(opts.DBPath); err == nil {
			n, err := addFileToTar(tw, opts.DBPath, "khayal.db")
			if err != nil {
				return nil, fmt.Errorf("add database: %w", err)
			}
			result.BytesWritten += n
			result.FilesWritten++
			for _, t := range allDataTables {
				if cnt, err := countRows(db, t); err == nil {
					manifest.DBRowCounts[t] = cnt
					result.DBRows += cnt
				}
			}
		}
	} else {
		sqlData, rowCounts, err := generateDeltaSQL(db, prev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("generate delta SQL: %w", err)
		}
		if len(sqlData) > 0 {
			n, err := addBytesToTar(tw, sqlData, "db_delta.sql")
			if err != nil {
				return nil, fmt.Errorf("add delta SQL: %w", err)
			}
			result.BytesWritten += n
			result.FilesWritten++
		}
		manifest.DBRowCounts = rowCounts
		for _, c := range rowCounts {
			result.DBRows += c
		}
	}

	// 3. Story assets
	prevDirs := make(map[string]bool)
	if prev != nil {
		for _, d := range prev.AssetDirs {
			prevDirs[d] = true
		}
	}
	for _, root := range assetRoots {
		rootDir := filepath.Join(opts.BaseDir, root)
		info, err := os.Stat(rootDir)
		if err != nil || !info.IsDir() {
			continue
		}
		entries, err := os.ReadDir(rootDir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rootDir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			key := root + "/" + entry.Name()
			if opts.Mode == "incremental" && prevDirs[key] {
				continue
			}
			manifest.AssetDirs = append(manifest.AssetDirs, key)
			subDir := filepath.Join(rootDir, entry.Name())
			err := filepath.Walk(subDir, func(path string, fi os.FileInfo, err error) error {
				if err != nil || fi.IsDir() {
					return err
				}
				rel, _ := filepath.Rel(opts.BaseDir, path)
				n, err := addFileToTar(tw, path, "stories/"+filepath.ToSlash(rel))
				if err != nil {
					return err
				}
				result.BytesWritten += n
				result.FilesWritten++
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("add asset files: %w", err)
			}
		}
	}

	// Covers are flat files, small, always fully included
	coversDir := filepath.Join(opts.BaseDir, "covers")
	if entries, err := os.ReadDir(coversDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			p := filepath.Join(coversDir, entry.Name())
			n, err := addFileToTar(tw, p, "stories/covers/"+entry.Name())
			if err != nil {
				return nil, fmt.Errorf("add cover: %w", err)
			}
			result.BytesWritten += n
			result.FilesWritten++
		}
	}

	// 4. Embed manifest in archive
	manifestData, _ := json.MarshalIndent(manifest, "", "  ")
	if _, err := addBytesToTar(tw, manifestData, "manifest.json"); err != nil {
		return nil, fmt.Errorf("embed manifest: %w", err)
	}

	// 5. Save manifest alongside archive for the next incremental run
	if err := os.WriteFile(manifestPath, manifestData, 0644); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	return result, nil
}

// generateDeltaSQL produces INSERT OR REPLACE statements for incremental backup.
// sinceTime is the RFC3339 timestamp of the base manifest; it is normalized to
// SQLite's UTC "YYYY-MM-DD HH:MM:SS" format so created_at comparisons work.
func generateDeltaSQL(db *sql.DB, sinceTime string) ([]byte, map[string]int, error) {
	if ts, err := time.Parse(time.RFC3339, sinceTime); err == nil {
		sinceTime = ts.UTC().Format("2006-01-02 15:04:05")
	}

	var buf strings.Builder
	rowCounts := make(map[string]int)

	buf.WriteString("-- khayal incremental backup delta\n")
	buf.WriteString(fmt.Sprintf("-- Since: %s\n\n", sinceTime))
	buf.WriteString("BEGIN TRANSACTION;\n\n")

	// Insert-only tables: export rows created after sinceTime
	for _, table := range insertOnlyTables {
		cols, err := getColumns(db, table)
		if err != nil {
			continue // table may not exist yet
		}
		rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s WHERE created_at > ?", table), sinceTime)
		if err != nil {
			return nil, nil, fmt.Errorf("query %s: %w", table, err)
		}
		count, err := writeInserts(&buf, table, cols, rows)
		rows.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("export %s: %w", table, err)
		}
		if count > 0 {
			rowCounts[table] = count
		}
	}

	// Mutable tables: full dump (DELETE + INSERT)
	for _, table := range mutableTables {
		cols, err := getColumns(db, table)
		if err != nil {
			continue
		}
		buf.WriteString(fmt.Sprintf("DELETE FROM %s;\n", table))
		rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s", table))
		if err != nil {
			return nil, nil, fmt.Errorf("query %s: %w", table, err)
		}
		count, err := writeInserts(&buf, table, cols, rows)
		rows.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("export %s: %w", table, err)
		}
		if count > 0 {
			rowCounts[table] = count
		}
		buf.WriteString("\n")
	}

	buf.WriteString("COMMIT;\n")
	return []byte(buf.String()), rowCounts, nil
}

// writeInserts writes INSERT OR REPLACE statements for rows and returns the count.
func writeInserts(buf *strings.Builder, table string, cols []string, rows *sql.Rows) (int, error) {
	colList := strings.Join(cols, ", ")
	count := 0
	scanDest := make([]interface{}, len(cols))
	scanPtrs := make([]interface{}, len(cols))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return count, err
		}
		vals := make([]string, len(cols))
		for i, v := range scanDest {
			vals[i] = sqlQuote(v)
		}
		buf.WriteString(fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s);\n",
			table, colList, strings.Join(vals, ", ")))
		count++
	}
	return count, rows.Err()
}

// sqlQuote formats a value for SQL insertion.
func sqlQuote(v interface{}) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case []byte:
		return fmt.Sprintf("X'%x'", val)
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	default:
		s := fmt.Sprintf("%v", val)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

// validBackupTables is a whitelist of tables allowed in backup operations.
var validBackupTables = map[string]bool{
	"generation_logs": true, "contacts": true, "reference_faces": true,
	"books": true, "orders": true, "generated_books": true,
	"previews": true, "admin_users": true,
}

// getColumns returns column names for a table.
func getColumns(db *sql.DB, table string) ([]string, error) {
	if !validBackupTables[table] {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist or has no columns", table)
	}
	return cols, nil
}

// countRows returns the row count for a table.
func countRows(db *sql.DB, table string) (int, error) {
	if !validBackupTables[table] {
		return 0, fmt.Errorf("invalid table name: %s", table)
	}
	var n int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// Restore extracts a backup archive into the target directory.
// For incremental restore: first restore the full backup, then apply each
// incremental in order. The db_delta.sql is NOT auto-executed; it is
// extracted as a file for the operator to review and apply.
func Restore(archivePath, targetDir string) error {
	if targetDir == "" {
		targetDir = "."
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open backup archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	fileCount := 0
	hasDelta := false
	var totalExtracted int64
	const maxTotalSize = 10 << 30 // total extraction limit
	const maxFileCount = 100000

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target := filepath.Join(targetDir, filepath.FromSlash(header.Name))

		// Security: prevent path traversal
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(targetDir)) {
			return fmt.Errorf("illegal path in archive: %s", header.Name)
		}

		// Security: reject symlinks
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("link entries not allowed: %s", header.Name)
		}

		if header.Name == "db_delta.sql" {
			hasDelta = true
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			// Limit individual file extraction to guard against archive bombs
			if header.Size > 2<<30 {
				return fmt.Errorf("file too large: %s (%d bytes)", header.Name, header.Size)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0755)
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, io.LimitReader(tr, header.Size+1)); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			out.Close()
			totalExtracted += header.Size
			if totalExtracted > maxTotalSize {
				return fmt.Errorf("total extracted size exceeds limit")
			}
			fileCount++
			if fileCount > maxFileCount {
				return fmt.Errorf("file count exceeds limit (%d)", maxFileCount)
			}
		}
	}

	fmt.Printf("restore complete: %d files extracted to %s\n", fileCount, targetDir)
	if hasDelta {
		deltaPath := filepath.Join(targetDir, "db_delta.sql")
		fmt.Printf("\nincremental delta found: %s\n", deltaPath)
		fmt.Println("after restoring the full backup, apply the delta with:")
		fmt.Printf("  sqlite3 %s < %s\n", filepath.Join(targetDir, "khayal.db"), deltaPath)
	}
	return nil
}

// RestoreDelta applies an incremental SQL delta file to the database.
func RestoreDelta(db *sql.DB, deltaPath string) error {
	data, err := os.ReadFile(deltaPath)
	if err != nil {
		return fmt.Errorf("read delta SQL: %w", err)
	}

	// Only INSERT/UPDATE/DELETE/REPLACE statements are allowed, so a
	// tampered delta cannot DROP TABLE or ATTACH DATABASE.
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	for _, stmt := range strings.Split(content, ";") {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				trimmed = line
				break
			}
		}
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "INSERT "),
			strings.HasPrefix(upper, "UPDATE "),
			strings.HasPrefix(upper, "DELETE "),
			strings.HasPrefix(upper, "REPLACE "),
			strings.HasPrefix(upper, "BEGIN"),
			strings.HasPrefix(upper, "COMMIT"):
		default:
			return fmt.Errorf("delta SQL contains a disallowed statement: %s", truncateForLog(trimmed, 50))
		}
	}

	if _, err := db.Exec(string(data)); err != nil {
		return fmt.Errorf("apply delta SQL: %w", err)
	}
	return nil
}

// truncateForLog truncates a string for safe logging.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// --- tar helpers ---

func addFileToTar(tw *tar.Writer, absPath, archiveName string) (int64, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = archiveName

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	return n, err
}

func addBytesToTar(tw *tar.Writer, data []byte, archiveName string) (int64, error) {
	header := &tar.Header{
		Name:    archiveName,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	n, err := tw.Write(data)
	return int64(n), err
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
