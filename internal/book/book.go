// Package book manages the story catalog: PPTX templates plus the metadata
// shown in the shop. Image path lists are stored as JSON arrays in TEXT
// columns.
package book

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"khayal/internal/pricing"
)

// ErrNotFound is returned when a book id does not exist.
var ErrNotFound = errors.New("book not found")

// Book is a story template with its shop metadata. Prices are stored in
// the base currency; DisplayPrice carries the converted value when a list
// was requested for a specific currency.
type Book struct {
	ID              int64    `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	AgeRange        string   `json:"age_range"`
	Category        string   `json:"category"`
	Price           float64  `json:"price"`
	DisplayPrice    float64  `json:"display_price,omitempty"`
	Currency        string   `json:"currency,omitempty"`
	HeroName        string   `json:"hero_name"`
	TemplatePath    string   `json:"-"`
	CoverImagePath  string   `json:"cover_image_path"`
	PreviewImages   []string `json:"preview_images"`
	ReferenceImages []string `json:"-"`
	IsActive        bool     `json:"is_active"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// Service provides catalog operations.
type Service struct {
	db      *sql.DB
	pricing func() map[string]pricing.CurrencyConfig
}

// NewService creates a Service. pricingTable is read per request so admin
// config changes apply immediately.
func NewService(db *sql.DB, pricingTable func() map[string]pricing.CurrencyConfig) *Service {
	return &Service{db: db, pricing: pricingTable}
}

const bookColumns = `id, title, description, age_range, category, price, hero_name,
	template_path, cover_image_path, preview_images, reference_images, is_active,
	created_at, updated_at`

// Create inserts a new book and returns its id.
func (s *Service) Create(ctx context.Context, b *Book) (int64, error) {
	if b.Title == "" {
		return 0, fmt.Errorf("book title is required")
	}
	if b.TemplatePath == "" {
		return 0, fmt.Errorf("book template path is required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO books (title, description, age_range, category, price, hero_name,
			template_path, cover_image_path, preview_images, reference_images, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		b.Title, b.Description, b.AgeRange, b.Category, b.Price, b.HeroName,
		b.TemplatePath, b.CoverImagePath, marshalPaths(b.PreviewImages), marshalPaths(b.ReferenceImages))
	if err != nil {
		return 0, fmt.Errorf("insert book: %w", err)
	}
	return res.LastInsertId()
}

// GetByID loads a book, active or not.
func (s *Service) GetByID(ctx context.Context, id int64) (*Book, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bookColumns+" FROM books WHERE id = ?", id)
	b, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load book %d: %w", id, err)
	}
	return b, nil
}

// ListActive returns the active catalog, optionally filtered by age range
// and category. When currency is non-empty the display price is filled in.
func (s *Service) ListActive(ctx context.Context, ageRange, category, currency string) ([]*Book, error) {
	query := "SELECT " + bookColumns + " FROM books WHERE is_active = 1"
	var args []interface{}
	if ageRange != "" {
		query += " AND age_range = ?"
		args = append(args, ageRange)
	}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		if currency != "" {
			b.Currency = currency
			b.DisplayPrice = pricing.DisplayPrice(b.Price, currency, s.pricing())
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// ListAll returns every book including deactivated ones, for the admin UI.
func (s *Service) ListAll(ctx context.Context) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+bookColumns+" FROM books ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list all books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// Update rewrites a book's shop metadata. File paths are updated only when
// non-empty, so a metadata-only edit keeps the stored assets.
func (s *Service) Update(ctx context.Context, b *Book) error {
	cur, err := s.GetByID(ctx, b.ID)
	if err != nil {
		return err
	}
	if b.TemplatePath == "" {
		b.TemplatePath = cur.TemplatePath
	}
	if b.CoverImagePath == "" {
		b.CoverImagePath = cur.CoverImagePath
	}
	if b.PreviewImages == nil {
		b.PreviewImages = cur.PreviewImages
	}
	if b.ReferenceImages == nil {
		b.ReferenceImages = cur.ReferenceImages
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE books SET title = ?, description = ?, age_range = ?, category = ?,
			price = ?, hero_name = ?, template_path = ?, cover_image_path = ?,
			preview_images = ?, reference_images = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		b.Title, b.Description, b.AgeRange, b.Category, b.Price, b.HeroName,
		b.TemplatePath, b.CoverImagePath, marshalPaths(b.PreviewImages),
		marshalPaths(b.ReferenceImages), b.ID)
	if err != nil {
		return fmt.Errorf("update book %d: %w", b.ID, err)
	}
	return nil
}

// Deactivate hides a book from the shop without deleting its data, since
// previews and orders keep referencing it.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE books SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deactivate book %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	var description, ageRange, category, cover, previews, references sql.NullString
	var active int
	err := row.Scan(&b.ID, &b.Title, &description, &ageRange, &category, &b.Price,
		&b.HeroName, &b.TemplatePath, &cover, &previews, &references, &active,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Description = description.String
	b.AgeRange = ageRange.String
	b.Category = category.String
	b.CoverImagePath = cover.String
	b.PreviewImages = unmarshalPaths(previews.String)
	b.ReferenceImages = unmarshalPaths(references.String)
	b.IsActive = active == 1
	return &b, nil
}

func marshalPaths(paths []string) string {
	if len(paths) == 0 {
		return "[]"
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalPaths(s string) []string {
	if s == "" {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(s), &paths); err != nil {
		return nil
	}
	return paths
}
