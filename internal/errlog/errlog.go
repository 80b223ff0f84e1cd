// Package errlog provides a dedicated error-only file logger that writes
// to /var/log/khayal/error.log (Linux) or logs/error.log elsewhere.
//
// Only ERROR level messages are recorded. The file is rotated once it
// exceeds the rotation threshold; rotated logs are gzip-compressed and at
// most maxBackups archives are kept. All operations are mutex-protected.
package errlog

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogDir  = "/var/log/khayal"
	fallbackLogDir = "logs"
	logFileName    = "error.log"

	// maxFileSize is the rotation threshold in bytes (100 MB).
	maxFileSize = 100 << 20
	// maxBackups is the number of compressed archives to keep.
	maxBackups = 5
)

var (
	global *errorLogger
	mu     sync.Mutex // protects Init / Close and the global pointer
)

type errorLogger struct {
	mu         sync.Mutex
	file       *os.File
	dir        string
	path       string
	size       int64
	buf        []byte
	closed     bool
	maxRotSize int64
}

// Init initializes the error logger in the platform default directory.
// Safe to call multiple times; a running logger makes it a no-op.
func Init() error {
	return InitDir(platformLogDir())
}

// InitDir initializes the error logger in dir. Used by tests and by
// deployments that cannot write /var/log.
func InitDir(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create error log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open error log file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat error log file: %w", err)
	}

	global = &errorLogger{
		file:       f,
		dir:        dir,
		path:       path,
		size:       info.Size(),
		buf:        make([]byte, 0, 4096),
		maxRotSize: maxFileSize,
	}
	return nil
}

// Logf writes a formatted error message to the error log file.
// If the logger is not initialized the call is silently ignored.
func Logf(format string, args ...interface{}) {
	mu.Lock()
	l := global
	mu.Unlock()

	if l == nil {
		return
	}
	l.logf(format, args...)
}

// Close flushes and closes the error log file. Call on application shutdown.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if global == nil {
		return
	}
	global.close()
	global = nil
}

func platformLogDir() string {
	if runtime.GOOS == "linux" {
		return defaultLogDir
	}
	return fallbackLogDir
}

func (l *errorLogger) logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.file == nil {
		return
	}

	// Format: "2006/01/02 15:04:05 [ERROR] <message>\n"
	now := time.Now()
	l.buf = l.buf[:0]
	l.buf = now.AppendFormat(l.buf, "2006/01/02 15:04:05")
	l.buf = append(l.buf, " [ERROR] "...)
	l.buf = fmt.Appendf(l.buf, format, args...)
	if len(l.buf) == 0 || l.buf[len(l.buf)-1] != '\n' {
		l.buf = append(l.buf, '\n')
	}

	n, err := l.file.Write(l.buf)
	if err != nil {
		return
	}
	l.size += int64(n)

	if l.size >= l.maxRotSize {
		l.rotate()
	}
}

// rotate compresses the current log file and opens a fresh one.
// Caller must hold l.mu.
func (l *errorLogger) rotate() {
	l.file.Sync()
	l.file.Close()
	l.file = nil

	ts := time.Now().Format("20060102-150405")
	archivePath := filepath.Join(l.dir, fmt.Sprintf("error-%s.log.gz", ts))

	// Compress, then truncate the original either way to avoid unbounded growth.
	compressFile(l.path, archivePath)
	os.Truncate(l.path, 0)

	l.pruneArchives()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	l.file = f
	l.size = 0
}

// pruneArchives removes the oldest compressed archives beyond maxBackups.
// Caller must hold l.mu.
func (l *errorLogger) pruneArchives() {
	archives, err := listArchivesIn(l.dir)
	if err != nil || len(archives) <= maxBackups {
		return
	}
	sort.Strings(archives)
	for _, name := range archives[:len(archives)-maxBackups] {
		os.Remove(filepath.Join(l.dir, name))
	}
}

func (l *errorLogger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.file != nil {
		l.file.Sync()
		l.file.Close()
		l.file = nil
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	gw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}

	// Gzip writer must be closed before the file to flush the footer.
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func listArchivesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var archives []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "error-") && strings.HasSuffix(name, ".log.gz") {
			archives = append(archives, name)
		}
	}
	return archives, nil
}

// --- helpers for the log management API ---

// GetLogDir returns the directory of the active logger, or the platform
// default when the logger is not initialized.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return global.dir
	}
	return platformLogDir()
}

// GetLogPath returns the full path to the current error log file.
func GetLogPath() string {
	return filepath.Join(GetLogDir(), logFileName)
}

// GetRotationSizeMB returns the current rotation threshold in megabytes.
func GetRotationSizeMB() int {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return int(global.maxRotSize >> 20)
	}
	return int(maxFileSize >> 20)
}

// SetRotationSizeMB updates the rotation threshold. sizeMB must be >= 1.
func SetRotationSizeMB(sizeMB int) {
	if sizeMB < 1 {
		sizeMB = 1
	}
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		global.mu.Lock()
		global.maxRotSize = int64(sizeMB) << 20
		global.mu.Unlock()
	}
}

// RecentLines reads the last n lines from the current error log file,
// returned in chronological order (oldest first).
func RecentLines(n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	f, err := os.Open(GetLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return []string{}, nil
	}

	// Cap the read to keep tail scans cheap on big files.
	const maxRead = 256 * 1024
	readStart := int64(0)
	if size > maxRead {
		readStart = size - maxRead
	}

	buf := make([]byte, size-readStart)
	if _, err := f.ReadAt(buf, readStart); err != nil && err != io.EOF {
		return nil, err
	}

	lines := make([]string, 0, n)
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0 && len(lines) < n; i-- {
		if buf[i] == '\n' {
			if line := string(buf[i+1 : end]); line != "" {
				lines = append(lines, line)
			}
			end = i
		}
	}
	if len(lines) < n && end > 0 {
		if line := string(buf[:end]); line != "" {
			lines = append(lines, line)
		}
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// ListArchives returns the names of compressed log archives, sorted ascending.
func ListArchives() ([]string, error) {
	archives, err := listArchivesIn(GetLogDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	sort.Strings(archives)
	return archives, nil
}
