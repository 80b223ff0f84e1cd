// Package preview creates and serves personalized story previews. A
// customer uploads a child photo for a book; the first slides of the
// template are personalized (name text, hero face) in the background and
// rendered to images served under an unguessable token for a limited time.
package preview

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"khayal/internal/book"
	"khayal/internal/errlog"
	"khayal/internal/faceswap"
	"khayal/internal/facematch"
	"khayal/internal/imaging"
	"khayal/internal/pptx"
)

// Preview statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MinSwapImageEdge is the smallest slide picture worth face-swapping;
// smaller pictures are decorations, not story scenes.
const MinSwapImageEdge = 350

var (
	// ErrNotFound is returned for unknown preview tokens.
	ErrNotFound = errors.New("preview not found")
	// ErrExpired is returned when a preview exists but its window passed.
	ErrExpired = errors.New("preview expired")
)

// Preview is one personalization request.
type Preview struct {
	ID              int64    `json:"-"`
	BookID          int64    `json:"book_id"`
	Token           string   `json:"preview_token"`
	ChildName       string   `json:"child_name"`
	Status          string   `json:"status"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	SlideImagePaths []string `json:"slide_images,omitempty"`
	ExpiresAt       string   `json:"expires_at"`
	CreatedAt       string   `json:"created_at"`
}

// Settings are the tunables of the preview pipeline.
type Settings struct {
	Pages      int // leading slides personalized per preview
	ExpiryDays int
	Workers    int // concurrent face swaps
	UploadsDir string
	PreviewsDir string
	RenderWidth int
}

// Manager runs the preview pipeline.
type Manager struct {
	db       *sql.DB
	books    *book.Service
	provider faceswap.Provider
	matcher  *facematch.Matcher
	settings func() Settings

	// onCompleted is invoked after a preview finishes, with the token.
	// The contact notifier hooks in here.
	onCompleted func(token string)
}

// NewManager wires the preview pipeline. settings is a closure so config
// changes apply to new previews immediately.
func NewManager(db *sql.DB, books *book.Service, provider faceswap.Provider, matcher *facematch.Matcher, settings func() Settings) *Manager {
	return &Manager{
		db:       db,
		books:    books,
		provider: provider,
		matcher:  matcher,
		settings: settings,
	}
}

// SetCompletionHook registers a callback fired when a preview completes.
func (m *Manager) SetCompletionHook(fn func(token string)) {
	m.onCompleted = fn
}

// Create validates the uploaded photo, persists the preview row, and
// launches background generation. The returned preview is in status
// processing.
func (m *Manager) Create(ctx context.Context, bookID int64, childName string, photo []byte) (*Preview, error) {
	b, err := m.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return nil, book.ErrNotFound
	}

	if err := imaging.ValidatePhoto(photo); err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	st := m.settings()

	// Compress and store the upload under its own token directory.
	compressed, err := imaging.CompressUpload(photo, 1000, 90)
	if err != nil {
		return nil, fmt.Errorf("compress upload: %w", err)
	}
	photoDir := filepath.Join(st.UploadsDir, token)
	if err := os.MkdirAll(photoDir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	photoPath := filepath.Join(photoDir, "photo.jpg")
	if err := os.WriteFile(photoPath, compressed, 0644); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, st.ExpiryDays)
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO previews (book_id, preview_token, child_name, original_photo_path, preview_status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		bookID, token, childName, photoPath, StatusProcessing, expiresAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert preview: %w", err)
	}
	id, _ := res.LastInsertId()

	p := &Preview{
		ID:        id,
		BookID:    bookID,
		Token:     token,
		ChildName: childName,
		Status:    StatusProcessing,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	}

	go m.generate(p, b, photoPath)

	return p, nil
}

// GetByToken loads a preview for customer display. Expired previews
// return ErrExpired so the handler can answer 410.
func (m *Manager) GetByToken(ctx context.Context, token string) (*Preview, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, book_id, preview_token, child_name, preview_status,
			COALESCE(error_message, ''), COALESCE(slide_image_paths, ''),
			expires_at, created_at
		FROM previews WHERE preview_token = ?`, token)

	var p Preview
	var slidePaths string
	err := row.Scan(&p.ID, &p.BookID, &p.Token, &p.ChildName, &p.Status,
		&p.ErrorMessage, &slidePaths, &p.ExpiresAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load preview: %w", err)
	}

	if expired(p.ExpiresAt) {
		return nil, ErrExpired
	}

	if slidePaths != "" {
		json.Unmarshal([]byte(slidePaths), &p.SlideImagePaths)
	}
	return &p, nil
}

// AddContact stores a phone/email to notify when the preview completes.
// Contacts are only accepted while the preview is still processing.
func (m *Manager) AddContact(ctx context.Context, token, phone, email string) error {
	if phone == "" && email == "" {
		return fmt.Errorf("contact requires a phone number or email")
	}

	p, err := m.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if p.Status == StatusCompleted {
		return fmt.Errorf("preview already completed")
	}

	_, err = m.db.ExecContext(ctx,
		"INSERT INTO contacts (preview_token, book_id, phone_number, email) VALUES (?, ?, ?, ?)",
		token, p.BookID, phone, email)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// PendingContacts returns the contacts of a preview that have not been
// notified yet. The caller delivers the notifications and marks each
// contact with MarkContactNotified once its delivery succeeds, so a
// failed send stays pending for the next attempt.
func (m *Manager) PendingContacts(ctx context.Context, token string) ([]Contact, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, COALESCE(phone_number, ''), COALESCE(email, '')
		FROM contacts WHERE preview_token = ? AND message_sent = 0`, token)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Phone, &c.Email); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return contacts, nil
}

// MarkContactNotified records that a contact's notification was delivered.
func (m *Manager) MarkContactNotified(ctx context.Context, contactID int64) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE contacts SET message_sent = 1 WHERE id = ?", contactID)
	if err != nil {
		return fmt.Errorf("mark contact notified: %w", err)
	}
	return nil
}

// Contact is a notification request left on a processing preview.
type Contact struct {
	ID    int64
	Phone string
	Email string
}

// SweepExpired deletes stored preview artifacts past their expiry. Rows
// are kept for order history; only the files go. Returns the number of
// previews cleaned.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	st := m.settings()
	rows, err := m.db.QueryContext(ctx, `
		SELECT preview_token FROM previews
		WHERE expires_at <= ? AND COALESCE(slide_image_paths, '') != ''`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("query expired previews: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return 0, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, token := range tokens {
		os.RemoveAll(filepath.Join(st.PreviewsDir, token))
		os.RemoveAll(filepath.Join(st.UploadsDir, token))
		m.db.ExecContext(ctx, "UPDATE previews SET slide_image_paths = '' WHERE preview_token = ?", token)
	}
	return len(tokens), nil
}

// StartExpirySweeper runs SweepExpired hourly until stop is closed.
func (m *Manager) StartExpirySweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n, err := m.SweepExpired(context.Background()); err != nil {
					errlog.Logf("preview expiry sweep: %v", err)
				} else if n > 0 {
					log.Printf("preview sweep: cleaned %d expired previews", n)
				}
			}
		}
	}()
}

// generate runs the personalization pipeline in the background.
func (m *Manager) generate(p *Preview, b *book.Book, photoPath string) {
	ctx := context.Background()
	st := m.settings()

	err := m.runPipeline(ctx, p, b, photoPath, st)
	if err != nil {
		errlog.Logf("preview %s generation failed: %v", p.Token, err)
		m.db.ExecContext(ctx,
			"UPDATE previews SET preview_status = ?, error_message = ? WHERE id = ?",
			StatusFailed, truncateErr(err), p.ID)
		return
	}

	if m.onCompleted != nil {
		m.onCompleted(p.Token)
	}
}

func (m *Manager) runPipeline(ctx context.Context, p *Preview, b *book.Book, photoPath string, st Settings) error {
	photo, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("read stored photo: %w", err)
	}

	// Cartoonify the child photo so it blends with the illustrations.
	cartoon, err := m.provider.Cartoonify(ctx, photo)
	if err != nil {
		return fmt.Errorf("cartoonify photo: %w", err)
	}
	cartoonPath := filepath.Join(filepath.Dir(photoPath), "cartoon.jpg")
	if err := os.WriteFile(cartoonPath, cartoon, 0644); err != nil {
		return fmt.Errorf("store cartoon photo: %w", err)
	}
	m.db.ExecContext(ctx, "UPDATE previews SET cartoon_photo_path = ? WHERE id = ?", cartoonPath, p.ID)

	// Personalize the template copy.
	tpl, err := pptx.Open(b.TemplatePath)
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	if b.HeroName != "" && p.ChildName != "" {
		tpl.ReplaceText(b.HeroName, p.ChildName)
	}

	ref, err := m.matcher.ReferenceEmbedding(ctx, b.ID, b.ReferenceImages)
	if err != nil {
		return err
	}

	images, err := tpl.ListImages(st.Pages)
	if err != nil {
		return fmt.Errorf("list slide images: %w", err)
	}

	swapped, err := SwapHeroFaces(ctx, m.provider, cartoon, ref, images, st.Workers, nil)
	if err != nil {
		return err
	}
	for mediaPath, data := range swapped {
		if err := tpl.ReplaceImage(mediaPath, data); err != nil {
			return err
		}
	}

	personalized, err := tpl.Bytes()
	if err != nil {
		return err
	}

	// Render the preview slides and store them under the token.
	rendered, err := pptx.RenderSlides(personalized, st.RenderWidth, st.Pages)
	if err != nil {
		return fmt.Errorf("render preview slides: %w", err)
	}

	outDir := filepath.Join(st.PreviewsDir, p.Token)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create preview directory: %w", err)
	}
	paths := make([]string, 0, len(rendered))
	for i, img := range rendered {
		path := filepath.Join(outDir, fmt.Sprintf("slide%d.png", i+1))
		if err := os.WriteFile(path, img, 0644); err != nil {
			return fmt.Errorf("store slide image: %w", err)
		}
		paths = append(paths, path)
	}

	pathsJSON, _ := json.Marshal(paths)
	_, err = m.db.ExecContext(ctx,
		"UPDATE previews SET preview_status = ?, slide_image_paths = ? WHERE id = ?",
		StatusCompleted, string(pathsJSON), p.ID)
	if err != nil {
		return fmt.Errorf("mark preview completed: %w", err)
	}
	return nil
}

// SwapHeroFaces finds the hero in each slide picture and swaps in the
// child's face, running up to workers swaps concurrently. The result maps
// media part path to the new image bytes; pictures without a hero match
// are skipped, and a failed swap skips that picture rather than failing
// the book. progress, when non-nil, receives the running count of
// finished pictures. Shared with the full-book pipeline.
func SwapHeroFaces(ctx context.Context, provider faceswap.Provider, childPhoto []byte, ref []float32, images []pptx.SlideImage, workers int, progress func(completed int)) (map[string][]byte, error) {
	if workers <= 0 {
		workers = 4
	}

	type result struct {
		mediaPath string
		data      []byte
	}

	sem := make(chan struct{}, workers)
	results := make(chan result, len(images))
	done := make(map[string]bool, len(images))

	launched := 0
	for _, img := range images {
		// The same media part can appear on several slides; swap once.
		if done[img.MediaPath] {
			continue
		}
		done[img.MediaPath] = true

		if w, h, err := imaging.Size(img.Data); err != nil || w < MinSwapImageEdge || h < MinSwapImageEdge {
			continue
		}

		launched++
		go func(img pptx.SlideImage) {
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := swapOne(ctx, provider, childPhoto, ref, img)
			if err != nil {
				log.Printf("face swap skipped for %s: %v", img.MediaPath, err)
				results <- result{mediaPath: img.MediaPath}
				return
			}
			results <- result{mediaPath: img.MediaPath, data: data}
		}(img)
	}

	out := make(map[string][]byte)
	for i := 0; i < launched; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-results:
			if r.data != nil {
				out[r.mediaPath] = r.data
			}
			if progress != nil {
				progress(i + 1)
			}
		}
	}
	return out, nil
}

// swapOne processes a single slide picture: detect faces, pick the hero,
// swap the crop, composite the result back.
func swapOne(ctx context.Context, provider faceswap.Provider, childPhoto []byte, ref []float32, img pptx.SlideImage) ([]byte, error) {
	faces, err := provider.DetectFaces(ctx, img.Data)
	if err != nil {
		return nil, err
	}

	idx, ok := facematch.FindProtagonist(faces, ref)
	if !ok {
		return nil, fmt.Errorf("no hero face on slide %d", img.Slide)
	}

	page, _, err := imaging.Decode(img.Data)
	if err != nil {
		return nil, err
	}

	box := facematch.PadBox(faces[idx].Box, page.Bounds())
	if box.Empty() {
		return nil, fmt.Errorf("hero face box empty after clipping")
	}

	cropPNG, err := imaging.EncodePNG(imaging.Crop(page, box))
	if err != nil {
		return nil, err
	}

	swappedCrop, err := provider.Swap(ctx, childPhoto, cropPNG)
	if err != nil {
		return nil, err
	}

	patch, _, err := imaging.Decode(swappedCrop)
	if err != nil {
		return nil, fmt.Errorf("decode swapped crop: %w", err)
	}

	final := imaging.Composite(page, patch, box)
	return imaging.EncodePNG(final)
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}

func expired(expiresAt string) bool {
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		// SQLite may return its native format
		t, err = time.Parse("2006-01-02 15:04:05", expiresAt)
		if err != nil {
			return false
		}
	}
	return time.Now().UTC().After(t)
}

// newToken returns a 32-character lowercase hex token.
func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate preview token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
