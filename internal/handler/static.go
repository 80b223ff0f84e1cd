package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// HandleStories serves generated preview images and book assets from the
// storage base directory under /stories/. Directory listings are refused
// and resolved paths must stay inside the base directory.
func HandleStories(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rel := strings.TrimPrefix(r.URL.Path, "/stories/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			http.NotFound(w, r)
			return
		}

		cleanPath := filepath.Clean(rel)
		if strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// Only rendered previews and catalog covers are public; uploads,
		// templates, and generated books stay private.
		if !strings.HasPrefix(cleanPath, "previews"+string(filepath.Separator)) &&
			!strings.HasPrefix(cleanPath, "covers"+string(filepath.Separator)) {
			http.NotFound(w, r)
			return
		}

		baseDir := app.configManager.Get().Storage.BaseDir
		p := filepath.Join(baseDir, cleanPath)

		absDir, _ := filepath.Abs(baseDir)
		absP, _ := filepath.Abs(p)
		if !strings.HasPrefix(absP, absDir+string(filepath.Separator)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		// Preview images are immutable once written
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.ServeFile(w, r, p)
	}
}
