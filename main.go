package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"khayal/internal/auth"
	"khayal/internal/backup"
	"khayal/internal/book"
	"khayal/internal/config"
	"khayal/internal/convert"
	"khayal/internal/db"
	"khayal/internal/errlog"
	"khayal/internal/facematch"
	"khayal/internal/faceswap"
	"khayal/internal/fontcheck"
	"khayal/internal/handler"
	"khayal/internal/notify"
	"khayal/internal/order"
	"khayal/internal/pptx"
	"khayal/internal/preview"
	"khayal/internal/pricing"
	"khayal/internal/router"
)

func main() {
	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// 1. Configuration
	cm, err := config.NewConfigManager("./data/config.json")
	if err != nil {
		log.Fatalf("Failed to create config manager: %v", err)
	}
	if err := cm.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cm.Get()

	// 2. Error log
	if err := errlog.InitDir(filepath.Join("data", "logs")); err != nil {
		log.Printf("Failed to initialize error log: %v", err)
	}
	defer errlog.Close()

	// 3. Storage directories
	for _, dir := range []string{
		cfg.Storage.BaseDir,
		cfg.Storage.TemplatesDir,
		cfg.Storage.UploadsDir,
		cfg.Storage.PreviewsDir,
		cfg.Storage.GeneratedDir,
		filepath.Join(cfg.Storage.BaseDir, "covers"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create storage directory %s: %v", dir, err)
		}
	}

	// 4. Font verification. Rendered books silently come out wrong when the
	// template fonts are absent, so missing fonts abort startup.
	if !cfg.Server.SkipFontCheck {
		if err := fontcheck.Ensure(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			fmt.Fprintln(os.Stderr, "Install the Microsoft core fonts (e.g. apt install ttf-mscorefonts-installer)")
			fmt.Fprintln(os.Stderr, "or set server.skip_font_check in data/config.json to start anyway.")
			os.Exit(1)
		}
	}

	// 5. Database
	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// CLI subcommands
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "backup":
			runBackup(os.Args[2:], database, cm)
			return
		case "restore":
			runRestore(os.Args[2:])
			return
		case "import":
			runImport(os.Args[2:], database, cm)
			return
		case "fontcheck":
			if err := fontcheck.Verify(); err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("All required fonts are installed")
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	// 6. Services
	books := book.NewService(database, func() map[string]pricing.CurrencyConfig {
		return cm.Get().Pricing
	})

	provider := faceswap.NewClient(func() faceswap.Config {
		fc := cm.Get().FaceSwap
		return faceswap.Config{
			Endpoint:     fc.Endpoint,
			APIKey:       fc.APIKey,
			PollInterval: time.Duration(fc.PollIntervalSec) * time.Second,
			MaxPolls:     fc.MaxPolls,
		}
	}, nil)
	matcher := facematch.NewMatcher(database, provider)

	conv := convert.New(cfg.Convert.SofficePath, cfg.Convert.TimeoutSec, cfg.Convert.RenderWidth)

	emailSvc := notify.NewEmailService(func() config.SMTPConfig {
		return cm.Get().SMTP
	})
	telegram := notify.NewTelegramService(func() config.TelegramConfig {
		return cm.Get().Telegram
	}, nil)

	previews := preview.NewManager(database, books, provider, matcher, func() preview.Settings {
		c := cm.Get()
		return preview.Settings{
			Pages:       c.Preview.Pages,
			ExpiryDays:  c.Preview.ExpiryDays,
			Workers:     c.FaceSwap.Workers,
			UploadsDir:  c.Storage.UploadsDir,
			PreviewsDir: c.Storage.PreviewsDir,
			RenderWidth: c.Convert.RenderWidth,
		}
	})
	previews.SetCompletionHook(notifyPreviewContacts(previews, emailSvc, cm))

	orders := order.NewService(database, books, previews, provider, matcher, conv,
		emailSvc, telegram, func() order.Settings {
			c := cm.Get()
			return order.Settings{
				GeneratedDir: c.Storage.GeneratedDir,
				Workers:      c.FaceSwap.Workers,
				PricingTable: c.Pricing,
			}
		})

	oc := auth.NewOAuthClient(cfg.OAuth.Providers)
	sm := auth.NewSessionManager(database, 24*time.Hour)

	// 7. API facade + routes
	app := handler.NewApp(database, books, previews, orders, oc, sm, cm, emailSvc, telegram)

	origins := strings.Split(cfg.Server.AllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	stopRouter := router.Register(app, origins)
	defer stopRouter()

	// 8. HTTP server with graceful shutdown
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopSweeper := make(chan struct{})
	previews.StartExpirySweeper(stopSweeper)
	defer close(stopSweeper)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := sm.CleanExpired(); err == nil && n > 0 {
				log.Printf("Cleaned %d expired sessions", n)
			}
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown error: %v", err)
		}
	}()

	if cfg.Server.SSLCert != "" && cfg.Server.SSLKey != "" {
		fmt.Printf("Storybook service starting on https://%s\n", addr)
		if err := server.ListenAndServeTLS(cfg.Server.SSLCert, cfg.Server.SSLKey); err != http.ErrServerClosed {
			log.Fatalf("HTTPS server error: %v", err)
		}
	} else {
		fmt.Printf("Storybook service starting on http://%s\n", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}
	log.Println("Server stopped")
}

// notifyPreviewContacts returns the hook run when a preview finishes
// rendering. Parents who left a contact before completion get a
// ready-to-view email with a link to their preview.
func notifyPreviewContacts(previews *preview.Manager, emailSvc *notify.EmailService, cm *config.ConfigManager) func(token string) {
	return func(token string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		contacts, err := previews.PendingContacts(ctx, token)
		if err != nil {
			errlog.Logf("preview %s: load pending contacts: %v", token, err)
			return
		}
		if len(contacts) == 0 {
			return
		}

		p, err := previews.GetByToken(ctx, token)
		if err != nil {
			errlog.Logf("preview %s: load for notification: %v", token, err)
			return
		}

		c := cm.Get()
		base := c.Server.PublicBaseURL
		if base == "" {
			base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
		}
		previewURL := fmt.Sprintf("%s/preview/%s", strings.TrimRight(base, "/"), token)

		for _, contact := range contacts {
			if contact.Email == "" {
				continue
			}
			if err := emailSvc.SendPreviewReady(contact.Email, p.ChildName, previewURL); err != nil {
				// Left unmarked so the next completion pass retries it.
				errlog.Logf("preview %s: notify %s: %v", token, contact.Email, err)
				continue
			}
			if err := previews.MarkContactNotified(ctx, contact.ID); err != nil {
				errlog.Logf("preview %s: %v", token, err)
			}
		}
	}
}

func printUsage() {
	fmt.Println(`Usage:
  khayal                      start the HTTP service (default port 8000)
  khayal backup [options]     back up the database, story assets, and config
  khayal restore <archive>    restore data from a backup archive
  khayal import [options]     batch-import story template directories
  khayal fontcheck            verify the fonts required by book templates
  khayal help                 show this help

backup command:
  Archives the whole site as a tar.gz, layered by data type.
  Full mode: complete database snapshot + all story assets + config.
  Incremental mode: only database rows and asset directories added since
  the base backup (mutable tables are always dumped in full).

  Archive naming: khayal_<mode>_<hostname>_<date-time>.tar.gz

  Options:
    --output <dir>     output directory for the archive (default ".")
    --incremental      incremental mode
    --base <manifest>  base manifest path (required for incremental)

  Examples:
    khayal backup
    khayal backup --output ./backups
    khayal backup --incremental --base ./backups/khayal_full_host_20260823-120000.manifest.json

restore command:
  Extracts a backup archive. A full archive is ready to run after
  extraction; for incrementals, restore the full backup first and then
  apply each db_delta.sql in order.

  Options:
    --target <dir>     restore target directory (default ".")

  Examples:
    khayal restore khayal_full_host_20260823-120000.tar.gz
    khayal restore --target ./restored backup.tar.gz

import command:
  Imports every subdirectory of the book directory as one story. A story
  directory contains book.json (title, description, age_range, category,
  price, hero_name), template.pptx, reference*.jpg/png images of the
  hero, and optionally cover.jpg/png/webp.

  Options:
    --book-dir <dir>   directory of story directories (default "./books")

  Example:
    khayal import --book-dir ./new-stories`)
}

// runBackup executes a full or incremental backup.
func runBackup(args []string, database *sql.DB, cm *config.ConfigManager) {
	cfg := cm.Get()
	opts := backup.Options{
		DBPath:     cfg.Storage.DBPath,
		BaseDir:    cfg.Storage.BaseDir,
		ConfigPath: "./data/config.json",
		KeyPath:    "./data/encryption.key",
		Mode:       "full",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output", "-o":
			if i+1 >= len(args) {
				fmt.Println("error: --output requires a directory")
				os.Exit(1)
			}
			opts.OutputDir = args[i+1]
			i++
		case "--incremental":
			opts.Mode = "incremental"
		case "--base":
			if i+1 >= len(args) {
				fmt.Println("error: --base requires a manifest path")
				os.Exit(1)
			}
			opts.ManifestIn = args[i+1]
			i++
		default:
			fmt.Printf("unknown argument: %s\n", args[i])
			fmt.Println("usage: khayal backup [--output <dir>] [--incremental --base <manifest>]")
			os.Exit(1)
		}
	}

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			fmt.Printf("failed to create output directory: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("starting %s backup...\n", opts.Mode)

	result, err := backup.Run(database, opts)
	if err != nil {
		fmt.Printf("backup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("backup complete:")
	fmt.Printf("  archive:  %s\n", result.ArchivePath)
	fmt.Printf("  manifest: %s\n", result.ManifestPath)
	fmt.Printf("  files: %d, database rows: %d\n", result.FilesWritten, result.DBRows)
	fmt.Printf("  archive size: %.2f MB\n", float64(result.BytesWritten)/(1024*1024))
}

// runImport batch-imports story template directories into the catalog.
// Every subdirectory of the book directory is one story: book.json with
// the shop metadata, template.pptx, at least one reference image of the
// hero, and an optional cover image published under /stories/covers/.
func runImport(args []string, database *sql.DB, cm *config.ConfigManager) {
	bookDir := "./books"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--book-dir", "-d":
			if i+1 >= len(args) {
				fmt.Println("error: --book-dir requires a directory")
				os.Exit(1)
			}
			bookDir = args[i+1]
			i++
		default:
			fmt.Printf("unknown argument: %s\n", args[i])
			fmt.Println("usage: khayal import [--book-dir <dir>]")
			os.Exit(1)
		}
	}

	entries, err := os.ReadDir(bookDir)
	if err != nil {
		fmt.Printf("failed to read %s: %v\n", bookDir, err)
		os.Exit(1)
	}

	books := book.NewService(database, func() map[string]pricing.CurrencyConfig {
		return cm.Get().Pricing
	})

	imported, failed := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(bookDir, entry.Name())
		id, err := importBookDir(context.Background(), books, cm.Get(), dir)
		if err != nil {
			fmt.Printf("  %s: %v\n", entry.Name(), err)
			failed++
			continue
		}
		fmt.Printf("  %s: imported as book %d\n", entry.Name(), id)
		imported++
	}
	fmt.Printf("import complete: %d imported, %d failed\n", imported, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func importBookDir(ctx context.Context, books *book.Service, cfg *config.Config, dir string) (int64, error) {
	metaData, err := os.ReadFile(filepath.Join(dir, "book.json"))
	if err != nil {
		return 0, fmt.Errorf("book.json: %w", err)
	}
	var b book.Book
	if err := json.Unmarshal(metaData, &b); err != nil {
		return 0, fmt.Errorf("book.json: %w", err)
	}
	if b.Title == "" {
		return 0, fmt.Errorf("book.json: title is required")
	}

	templateData, err := os.ReadFile(filepath.Join(dir, "template.pptx"))
	if err != nil {
		return 0, fmt.Errorf("template.pptx: %w", err)
	}
	if _, err := pptx.Load(templateData); err != nil {
		return 0, fmt.Errorf("template.pptx is not a valid pptx file")
	}

	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return 0, err
	}
	token := hex.EncodeToString(tokenBytes)

	destDir := filepath.Join(cfg.Storage.TemplatesDir, token)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, err
	}
	b.TemplatePath = filepath.Join(destDir, "template.pptx")
	if err := os.WriteFile(b.TemplatePath, templateData, 0644); err != nil {
		return 0, err
	}

	// Reference images of the hero, used for matching the child's face to
	// the hero across slides.
	refs, _ := filepath.Glob(filepath.Join(dir, "reference*"))
	for i, src := range refs {
		ext := strings.ToLower(filepath.Ext(src))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", filepath.Base(src), err)
		}
		dst := filepath.Join(destDir, fmt.Sprintf("reference%d%s", i+1, ext))
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return 0, err
		}
		b.ReferenceImages = append(b.ReferenceImages, dst)
	}
	if len(b.ReferenceImages) == 0 {
		return 0, fmt.Errorf("at least one reference image of the hero is required")
	}

	for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp"} {
		data, err := os.ReadFile(filepath.Join(dir, "cover"+ext))
		if err != nil {
			continue
		}
		coverName := token + ext
		coverPath := filepath.Join(cfg.Storage.BaseDir, "covers", coverName)
		if err := os.MkdirAll(filepath.Dir(coverPath), 0755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(coverPath, data, 0644); err != nil {
			return 0, err
		}
		b.CoverImagePath = "/stories/covers/" + coverName
		break
	}

	return books.Create(ctx, &b)
}

// runRestore restores data from a backup archive.
func runRestore(args []string) {
	targetDir := "."
	var archivePath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--target", "-t":
			if i+1 >= len(args) {
				fmt.Println("error: --target requires a directory")
				os.Exit(1)
			}
			targetDir = args[i+1]
			i++
		default:
			if archivePath != "" {
				fmt.Printf("unknown argument: %s\n", args[i])
				os.Exit(1)
			}
			archivePath = args[i]
		}
	}

	if archivePath == "" {
		fmt.Println("error: backup archive path is required")
		fmt.Println("usage: khayal restore [--target <dir>] <archive>")
		os.Exit(1)
	}

	fmt.Printf("restoring %s into %s ...\n", archivePath, targetDir)
	if err := backup.Restore(archivePath, targetDir); err != nil {
		fmt.Printf("restore failed: %v\n", err)
		os.Exit(1)
	}
}
