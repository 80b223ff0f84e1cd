package errlog

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resetGlobal tears down the package-level singleton so each test starts clean.
func resetGlobal() {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		global.close()
		global = nil
	}
}

func TestInitDirAndLogf(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	Logf("test message %d", 42)

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[ERROR] test message 42") {
		t.Errorf("expected log to contain '[ERROR] test message 42', got: %s", data)
	}
}

func TestInitDirIdempotent(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	// Second init with a different dir must not re-point the logger.
	if err := InitDir(t.TempDir()); err != nil {
		t.Fatalf("second InitDir: %v", err)
	}
	if GetLogDir() != dir {
		t.Errorf("GetLogDir = %q, want %q", GetLogDir(), dir)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	SetRotationSizeMB(1)

	// Push the file past 1MB to trigger rotation.
	chunk := strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ {
		Logf("fill %d %s", i, chunk)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var gzFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".log.gz") {
			gzFiles = append(gzFiles, e.Name())
		}
	}
	if len(gzFiles) == 0 {
		t.Fatal("expected at least one .gz archive after rotation, found none")
	}

	// The archive must be valid gzip containing log lines.
	gf, err := os.Open(filepath.Join(dir, gzFiles[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer gf.Close()
	gr, err := gzip.NewReader(gf)
	if err != nil {
		t.Fatalf("invalid gzip archive: %v", err)
	}
	defer gr.Close()
	content, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("failed to read gzip content: %v", err)
	}
	if !strings.Contains(string(content), "[ERROR] fill") {
		t.Error("archive content missing expected messages")
	}
}

func TestPruneArchives(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < maxBackups+3; i++ {
		name := filepath.Join(dir, strings.Replace(
			"error-20260101-00000X.log.gz", "X", string(rune('0'+i)), 1))
		os.WriteFile(name, []byte("fake"), 0644)
	}

	l := &errorLogger{dir: dir}
	l.pruneArchives()

	entries, _ := os.ReadDir(dir)
	var remaining int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".log.gz") {
			remaining++
		}
	}
	if remaining != maxBackups {
		t.Errorf("expected %d archives after prune, got %d", maxBackups, remaining)
	}
}

func TestRecentLines(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	for i := 1; i <= 5; i++ {
		Logf("event %d", i)
	}

	lines, err := RecentLines(3)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	// Chronological order, oldest of the tail first
	if !strings.Contains(lines[0], "event 3") || !strings.Contains(lines[2], "event 5") {
		t.Errorf("lines = %v", lines)
	}
}

func TestRecentLinesEmptyLog(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	lines, err := RecentLines(10)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("lines = %v, want empty", lines)
	}
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	resetGlobal()
	if err := InitDir(dir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	defer resetGlobal()

	os.WriteFile(filepath.Join(dir, "error-20260102-000000.log.gz"), []byte("b"), 0644)
	os.WriteFile(filepath.Join(dir, "error-20260101-000000.log.gz"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644)

	archives, err := ListArchives()
	if err != nil {
		t.Fatalf("ListArchives: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("archives = %v, want 2 entries", archives)
	}
	if archives[0] != "error-20260101-000000.log.gz" {
		t.Errorf("archives not sorted ascending: %v", archives)
	}
}

func TestLogfBeforeInit(t *testing.T) {
	resetGlobal()
	// Should not panic.
	Logf("this should be silently ignored")
}

func TestCloseIdempotent(t *testing.T) {
	resetGlobal()
	Close()
	Close()
}
