package backup

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"khayal/internal/db"
)

func seedData(t *testing.T, base string) (dbPath, storiesDir string) {
	t.Helper()
	dbPath = filepath.Join(base, "khayal.db")
	conn, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer conn.Close()

	_, err = conn.Exec(`INSERT INTO books (title, price, hero_name, template_path) VALUES ('قصة النجوم', 249, 'سامي', '/tmp/t.pptx')`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(`INSERT INTO contacts (preview_token, book_id, email) VALUES ('abc123', 1, 'parent@example.com')`)
	if err != nil {
		t.Fatal(err)
	}

	storiesDir = filepath.Join(base, "stories")
	for _, p := range []string{
		filepath.Join(storiesDir, "uploads", "tok1", "photo.jpg"),
		filepath.Join(storiesDir, "templates", "tpl1", "template.pptx"),
		filepath.Join(storiesDir, "covers", "tpl1.jpg"),
	} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfgPath := filepath.Join(base, "config.json")
	if err := os.WriteFile(cfgPath, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	return dbPath, storiesDir
}

func TestFullBackupAndRestore(t *testing.T) {
	base := t.TempDir()
	dbPath, storiesDir := seedData(t, base)

	conn, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	outDir := filepath.Join(base, "out")
	os.MkdirAll(outDir, 0755)
	res, err := Run(conn, Options{
		DBPath:     dbPath,
		BaseDir:    storiesDir,
		ConfigPath: filepath.Join(base, "config.json"),
		KeyPath:    filepath.Join(base, "missing.key"),
		OutputDir:  outDir,
		Mode:       "full",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesWritten == 0 || res.BytesWritten == 0 {
		t.Errorf("result = %+v, want files written", res)
	}
	if res.DBRows < 2 {
		t.Errorf("DBRows = %d, want at least 2", res.DBRows)
	}
	if _, err := os.Stat(res.ArchivePath); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if !strings.Contains(filepath.Base(res.ArchivePath), "khayal_full_") {
		t.Errorf("archive name = %s", res.ArchivePath)
	}

	restoreDir := filepath.Join(base, "restore")
	if err := Restore(res.ArchivePath, restoreDir); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, p := range []string{
		filepath.Join(restoreDir, "khayal.db"),
		filepath.Join(restoreDir, "config.json"),
		filepath.Join(restoreDir, "stories", "uploads", "tok1", "photo.jpg"),
		filepath.Join(restoreDir, "stories", "covers", "tpl1.jpg"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("restored file missing: %s", p)
		}
	}

	// Restored DB must open and contain the book
	rconn, err := db.InitDB(filepath.Join(restoreDir, "khayal.db"))
	if err != nil {
		t.Fatalf("open restored db: %v", err)
	}
	defer rconn.Close()
	var n int
	if err := rconn.QueryRow("SELECT COUNT(*) FROM books").Scan(&n); err != nil || n != 1 {
		t.Errorf("restored books = %d, err = %v", n, err)
	}
}

func TestIncrementalBackup(t *testing.T) {
	base := t.TempDir()
	dbPath, storiesDir := seedData(t, base)

	conn, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	outDir := filepath.Join(base, "out")
	os.MkdirAll(outDir, 0755)
	opts := Options{
		DBPath:     dbPath,
		BaseDir:    storiesDir,
		ConfigPath: filepath.Join(base, "config.json"),
		KeyPath:    filepath.Join(base, "missing.key"),
		OutputDir:  outDir,
		Mode:       "full",
	}
	full, err := Run(conn, opts)
	if err != nil {
		t.Fatalf("full Run: %v", err)
	}

	// New upload dir after the full backup
	newUpload := filepath.Join(storiesDir, "uploads", "tok2", "photo.jpg")
	os.MkdirAll(filepath.Dir(newUpload), 0755)
	os.WriteFile(newUpload, []byte("data2"), 0644)

	// New contact timestamped after the full backup
	_, err = conn.Exec(`INSERT INTO contacts (preview_token, book_id, phone_number, created_at) VALUES ('def456', 1, '+966500000000', datetime('now', '+1 hour'))`)
	if err != nil {
		t.Fatal(err)
	}

	opts.Mode = "incremental"
	opts.ManifestIn = full.ManifestPath
	inc, err := Run(conn, opts)
	if err != nil {
		t.Fatalf("incremental Run: %v", err)
	}

	m, err := loadManifest(inc.ManifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.BasedOn != full.ManifestPath {
		t.Errorf("BasedOn = %q", m.BasedOn)
	}
	found := false
	for _, d := range m.AssetDirs {
		if d == "uploads/tok2" {
			found = true
		}
		if d == "uploads/tok1" {
			t.Errorf("incremental re-included %s", d)
		}
	}
	if !found {
		t.Error("new upload dir not in incremental manifest")
	}
	if m.DBRowCounts["contacts"] != 1 {
		t.Errorf("contacts delta rows = %d, want 1", m.DBRowCounts["contacts"])
	}
	// Mutable table fully dumped
	if m.DBRowCounts["books"] != 1 {
		t.Errorf("books dump rows = %d, want 1", m.DBRowCounts["books"])
	}
}

func TestIncrementalRequiresManifest(t *testing.T) {
	base := t.TempDir()
	dbPath, storiesDir := seedData(t, base)

	conn, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = Run(conn, Options{
		DBPath:  dbPath,
		BaseDir: storiesDir,
		Mode:    "incremental",
	})
	if err == nil {
		t.Fatal("incremental without base manifest succeeded")
	}
}

func TestRestoreDelta(t *testing.T) {
	base := t.TempDir()
	conn, err := db.InitDB(filepath.Join(base, "khayal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	delta := filepath.Join(base, "db_delta.sql")
	sql := "-- delta\nBEGIN TRANSACTION;\nINSERT OR REPLACE INTO contacts (id, preview_token, book_id, email) VALUES (1, 'abc', 1, 'x@y.z');\nCOMMIT;\n"
	os.WriteFile(delta, []byte(sql), 0644)

	if err := RestoreDelta(conn, delta); err != nil {
		t.Fatalf("RestoreDelta: %v", err)
	}
	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM contacts").Scan(&n); err != nil || n != 1 {
		t.Errorf("contacts = %d, err = %v", n, err)
	}

	bad := filepath.Join(base, "bad.sql")
	os.WriteFile(bad, []byte("DROP TABLE contacts;"), 0644)
	if err := RestoreDelta(conn, bad); err == nil {
		t.Fatal("DROP TABLE delta accepted")
	}
}

func TestRestoreRejectsTraversal(t *testing.T) {
	// An archive entry escaping the target directory must abort the restore
	base := t.TempDir()
	archive := filepath.Join(base, "evil.tar.gz")
	writeEvilArchive(t, archive)

	if err := Restore(archive, filepath.Join(base, "restore")); err == nil {
		t.Fatal("traversal archive restored without error")
	}
}

func writeEvilArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	data := []byte("pwned")
	err = tw.WriteHeader(&tar.Header{
		Name: "../escape.txt",
		Size: int64(len(data)),
		Mode: 0644,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatal(err)
	}
}
