// Package order handles purchases and the full-book generation pipeline.
// An order is placed against a completed preview; the whole template is
// then personalized in the background, converted to PDF, and offered for
// download to the customer who placed the order.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"khayal/internal/book"
	"khayal/internal/errlog"
	"khayal/internal/faceswap"
	"khayal/internal/facematch"
	"khayal/internal/imaging"
	"khayal/internal/notify"
	"khayal/internal/pptx"
	"khayal/internal/preview"
	"khayal/internal/pricing"
)

// Order statuses.
const (
	OrderReceived  = "received"
	OrderShipped   = "shipped"
	OrderCancelled = "cancelled"
)

// Generation statuses for generated_books rows.
const (
	GenQueued     = "queued"
	GenProcessing = "processing"
	GenCompleted  = "completed"
	GenFailed     = "failed"
)

// secondsPerSwap drives the estimated completion time shown to customers.
const secondsPerSwap = 30

var (
	// ErrNotFound is returned for unknown order numbers or when the
	// supplied email does not match the order.
	ErrNotFound = errors.New("order not found")
	// ErrNotReady is returned when a download is requested before the
	// book finished generating.
	ErrNotReady = errors.New("book not ready yet")
)

// Order is a customer purchase.
type Order struct {
	ID              int64   `json:"-"`
	BookID          int64   `json:"book_id"`
	PreviewID       int64   `json:"-"`
	OrderNumber     string  `json:"order_number"`
	ChildName       string  `json:"child_name"`
	ChildAge        int     `json:"child_age,omitempty"`
	CustomerName    string  `json:"customer_name"`
	CustomerEmail   string  `json:"customer_email"`
	CustomerPhone   string  `json:"customer_phone,omitempty"`
	ShippingAddress string  `json:"shipping_address,omitempty"`
	ShippingCountry string  `json:"shipping_country,omitempty"`
	TotalAmount     float64 `json:"total_amount"`
	Currency        string  `json:"currency"`
	PaymentStatus   string  `json:"payment_status"`
	PaymentMethod   string  `json:"payment_method,omitempty"`
	OrderStatus     string  `json:"order_status"`
	CreatedAt       string  `json:"created_at"`
}

// CreateRequest carries the checkout form.
type CreateRequest struct {
	PreviewToken    string `json:"preview_token"`
	ChildAge        int    `json:"child_age"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
	ShippingAddress string `json:"shipping_address"`
	ShippingCountry string `json:"shipping_country"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"payment_method"`
}

// Status is the customer-facing progress report of an order.
type Status struct {
	OrderNumber      string `json:"order_number"`
	OrderStatus      string `json:"order_status"`
	PaymentStatus    string `json:"payment_status"`
	GenerationStatus string `json:"generation_status"`
	FacesCompleted   int    `json:"faces_completed"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
	PDFReady         bool   `json:"pdf_ready"`
}

// Settings are the tunables of the full-book pipeline.
type Settings struct {
	GeneratedDir string
	Workers      int
	PricingTable map[string]pricing.CurrencyConfig
}

// Mailer is the slice of the email service the order pipeline uses.
type Mailer interface {
	SendOrderConfirmation(toEmail, customerName, orderNumber string) error
	SendBookReady(toEmail, customerName, orderNumber, downloadURL string) error
}

// PDFConverter produces the final PDF from a personalized PPTX.
type PDFConverter interface {
	PPTXToPDF(ctx context.Context, pptxPath, outDir string) (string, error)
}

// Service places orders and runs full-book generation.
type Service struct {
	db       *sql.DB
	books    *book.Service
	previews *preview.Manager
	provider faceswap.Provider
	matcher  *facematch.Matcher
	conv     PDFConverter
	email    Mailer
	telegram *notify.TelegramService
	settings func() Settings
}

// NewService wires the order pipeline. email and telegram may be nil when
// notifications are not configured.
func NewService(db *sql.DB, books *book.Service, previews *preview.Manager,
	provider faceswap.Provider, matcher *facematch.Matcher, conv PDFConverter,
	email Mailer, telegram *notify.TelegramService,
	settings func() Settings) *Service {
	return &Service{
		db:       db,
		books:    books,
		previews: previews,
		provider: provider,
		matcher:  matcher,
		conv:     conv,
		email:    email,
		telegram: telegram,
		settings: settings,
	}
}

// Create places an order against a completed preview and starts full-book
// generation in the background. baseURL is the public origin of the request
// and ends up in the download link of this order's completion email; it is
// captured per order, concurrent requests do not affect each other.
func (s *Service) Create(ctx context.Context, req *CreateRequest, baseURL string) (*Order, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if req.CustomerName == "" || req.CustomerEmail == "" {
		return nil, fmt.Errorf("customer name and email are required")
	}
	if !strings.Contains(req.CustomerEmail, "@") {
		return nil, fmt.Errorf("invalid customer email")
	}

	p, err := s.previews.GetByToken(ctx, req.PreviewToken)
	if err != nil {
		return nil, err
	}
	if p.Status != preview.StatusCompleted {
		return nil, fmt.Errorf("preview is not completed yet")
	}

	b, err := s.books.GetByID(ctx, p.BookID)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = pricing.BaseCurrency
	}
	amount := pricing.DisplayPrice(b.Price, currency, s.settings().PricingTable)

	orderNumber, err := s.nextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}

	var cartoonPath string
	s.db.QueryRowContext(ctx,
		"SELECT COALESCE(cartoon_photo_path, original_photo_path) FROM previews WHERE id = ?",
		p.ID).Scan(&cartoonPath)
	if cartoonPath == "" {
		return nil, fmt.Errorf("preview has no stored photo")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin order transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (book_id, preview_id, order_number, child_name, child_age,
			customer_name, customer_email, customer_phone, shipping_address,
			shipping_country, total_amount, currency, payment_method)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, p.ID, orderNumber, p.ChildName, req.ChildAge,
		req.CustomerName, req.CustomerEmail, req.CustomerPhone, req.ShippingAddress,
		req.ShippingCountry, amount, currency, req.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	orderID, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO generated_books (order_id, original_photo_path) VALUES (?, ?)",
		orderID, cartoonPath); err != nil {
		return nil, fmt.Errorf("insert generated book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order: %w", err)
	}

	o := &Order{
		ID:            orderID,
		BookID:        b.ID,
		PreviewID:     p.ID,
		OrderNumber:   orderNumber,
		ChildName:     p.ChildName,
		ChildAge:      req.ChildAge,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		TotalAmount:   amount,
		Currency:      currency,
		PaymentStatus: "pending",
		OrderStatus:   OrderReceived,
	}

	if s.telegram != nil {
		s.telegram.NotifyOrderCreated(ctx, orderNumber, p.ChildName, req.CustomerName, b.Title, amount, currency)
	}
	if s.email != nil {
		if err := s.email.SendOrderConfirmation(req.CustomerEmail, req.CustomerName, orderNumber); err != nil {
			log.Printf("order confirmation email failed for %s: %v", orderNumber, err)
		}
	}

	go s.generate(orderID, orderNumber, b, p.ChildName, cartoonPath, req.CustomerName, req.CustomerEmail, baseURL)

	return o, nil
}

// nextOrderNumber produces KH-YYYYMMDD-NNNN with a per-day counter.
func (s *Service) nextOrderNumber(ctx context.Context) (string, error) {
	day := time.Now().UTC().Format("20060102")
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE order_number LIKE ?",
		"KH-"+day+"-%").Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count today's orders: %w", err)
	}
	return fmt.Sprintf("KH-%s-%04d", day, count+1), nil
}

// GetStatus reports order progress. email must match the order's customer
// email, compared case-insensitively.
func (s *Service) GetStatus(ctx context.Context, orderNumber, email string) (*Status, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.order_status, o.payment_status,
			COALESCE(g.generation_status, 'queued'),
			COALESCE(g.faces_completed, 0),
			COALESCE(g.estimated_time_minutes, 0),
			COALESCE(g.final_pdf_path, '')
		FROM orders o
		LEFT JOIN generated_books g ON g.order_id = o.id
		WHERE o.order_number = ? AND LOWER(o.customer_email) = LOWER(?)`,
		orderNumber, email)

	var st Status
	var id int64
	var pdfPath string
	err := row.Scan(&id, &st.OrderStatus, &st.PaymentStatus,
		&st.GenerationStatus, &st.FacesCompleted, &st.EstimatedMinutes, &pdfPath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order status: %w", err)
	}

	st.OrderNumber = orderNumber
	st.PDFReady = st.GenerationStatus == GenCompleted && pdfPath != ""
	return &st, nil
}

// DownloadPath returns the final PDF path for a completed order. The
// email check mirrors GetStatus.
func (s *Service) DownloadPath(ctx context.Context, orderNumber, email string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(g.generation_status, 'queued'), COALESCE(g.final_pdf_path, '')
		FROM orders o
		LEFT JOIN generated_books g ON g.order_id = o.id
		WHERE o.order_number = ? AND LOWER(o.customer_email) = LOWER(?)`,
		orderNumber, email)

	var status, pdfPath string
	err := row.Scan(&status, &pdfPath)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load order download: %w", err)
	}
	if status != GenCompleted || pdfPath == "" {
		return "", ErrNotReady
	}
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("generated pdf missing: %w", err)
	}
	return pdfPath, nil
}

// List returns orders for the admin dashboard, newest first, optionally
// filtered by order status.
func (s *Service) List(ctx context.Context, statusFilter string) ([]*Order, error) {
	query := `
		SELECT id, book_id, COALESCE(preview_id, 0), order_number, child_name,
			COALESCE(child_age, 0), customer_name, customer_email,
			COALESCE(customer_phone, ''), COALESCE(shipping_address, ''),
			COALESCE(shipping_country, ''), total_amount, currency,
			payment_status, COALESCE(payment_method, ''), order_status, created_at
		FROM orders`
	var args []interface{}
	if statusFilter != "" {
		query += " WHERE order_status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		err := rows.Scan(&o.ID, &o.BookID, &o.PreviewID, &o.OrderNumber, &o.ChildName,
			&o.ChildAge, &o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
			&o.ShippingAddress, &o.ShippingCountry, &o.TotalAmount, &o.Currency,
			&o.PaymentStatus, &o.PaymentMethod, &o.OrderStatus, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// UpdateStatus sets the fulfillment status of an order (admin action).
func (s *Service) UpdateStatus(ctx context.Context, orderNumber, orderStatus string) error {
	switch orderStatus {
	case OrderReceived, OrderShipped, OrderCancelled:
	default:
		return fmt.Errorf("unknown order status: %s", orderStatus)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET order_status = ?, updated_at = CURRENT_TIMESTAMP WHERE order_number = ?",
		orderStatus, orderNumber)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaid records a completed payment (admin action or payment callback).
func (s *Service) MarkPaid(ctx context.Context, orderNumber, method string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'paid', payment_method = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE order_number = ?`, method, orderNumber)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryGeneration requeues a failed generation (admin action). baseURL
// feeds the download link of the completion email, as in Create.
func (s *Service) RetryGeneration(ctx context.Context, orderNumber, baseURL string) error {
	baseURL = strings.TrimRight(baseURL, "/")
	row := s.db.QueryRowContext(ctx, `
		SELECT o.id, o.book_id, o.child_name, o.customer_name, o.customer_email,
			g.generation_status, g.original_photo_path
		FROM orders o
		JOIN generated_books g ON g.order_id = o.id
		WHERE o.order_number = ?`, orderNumber)

	var orderID, bookID int64
	var childName, customerName, customerEmail, status, photoPath string
	err := row.Scan(&orderID, &bookID, &childName, &customerName, &customerEmail, &status, &photoPath)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load generation for retry: %w", err)
	}
	if status != GenFailed {
		return fmt.Errorf("generation is %s, only failed generations can be retried", status)
	}

	b, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE generated_books SET generation_status = 'queued', error_message = NULL,
			faces_completed = 0, retry_count = retry_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("requeue generation: %w", err)
	}

	go s.generate(orderID, orderNumber, b, childName, photoPath, customerName, customerEmail, baseURL)
	return nil
}

// generate runs the full-book pipeline in the background.
func (s *Service) generate(orderID int64, orderNumber string, b *book.Book, childName, photoPath, customerName, customerEmail, baseURL string) {
	ctx := context.Background()

	var genID int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM generated_books WHERE order_id = ?", orderID).Scan(&genID); err != nil {
		errlog.Logf("order %s: load generated book row: %v", orderNumber, err)
		return
	}

	s.db.ExecContext(ctx, `
		UPDATE generated_books SET generation_status = ?,
			processing_started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, GenProcessing, genID)

	err := s.runPipeline(ctx, genID, orderNumber, b, childName, photoPath)
	if err != nil {
		errlog.Logf("order %s generation failed: %v", orderNumber, err)
		s.logStep(ctx, genID, "pipeline", "failed", err.Error())
		s.db.ExecContext(ctx, `
			UPDATE generated_books SET generation_status = ?, error_message = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, GenFailed, truncate(err.Error(), 300), genID)
		if s.telegram != nil {
			s.telegram.NotifyGenerationFailed(ctx, orderNumber, truncate(err.Error(), 200))
		}
		return
	}

	s.db.ExecContext(ctx, `
		UPDATE generated_books SET generation_status = ?,
			processing_completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, GenCompleted, genID)

	if s.email != nil {
		downloadURL := fmt.Sprintf("%s/api/orders/%s/download", baseURL, orderNumber)
		if err := s.email.SendBookReady(customerEmail, customerName, orderNumber, downloadURL); err != nil {
			log.Printf("book ready email failed for %s: %v", orderNumber, err)
		}
	}
}

func (s *Service) runPipeline(ctx context.Context, genID int64, orderNumber string, b *book.Book, childName, photoPath string) error {
	st := s.settings()

	photo, err := os.ReadFile(photoPath)
	if err != nil {
		return fmt.Errorf("read child photo: %w", err)
	}

	tpl, err := pptx.Open(b.TemplatePath)
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	if b.HeroName != "" && childName != "" {
		tpl.ReplaceText(b.HeroName, childName)
	}
	s.logStep(ctx, genID, "personalize_text", "completed", "")

	ref, err := s.matcher.ReferenceEmbedding(ctx, b.ID, b.ReferenceImages)
	if err != nil {
		return err
	}
	s.logStep(ctx, genID, "reference_embeddings", "completed", "")

	// All slides this time, not just the preview pages.
	images, err := tpl.ListImages(0)
	if err != nil {
		return fmt.Errorf("list slide images: %w", err)
	}

	eligible := countEligible(images)
	estimate := (eligible*secondsPerSwap + 59) / 60
	s.db.ExecContext(ctx,
		"UPDATE generated_books SET estimated_time_minutes = ? WHERE id = ?", estimate, genID)

	swapped, err := preview.SwapHeroFaces(ctx, s.provider, photo, ref, images, st.Workers,
		func(completed int) {
			s.db.ExecContext(ctx,
				"UPDATE generated_books SET faces_completed = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
				completed, genID)
		})
	if err != nil {
		s.logStep(ctx, genID, "face_swap", "failed", err.Error())
		return err
	}
	s.logStep(ctx, genID, "face_swap", "completed", fmt.Sprintf("%d images swapped", len(swapped)))

	for mediaPath, data := range swapped {
		if err := tpl.ReplaceImage(mediaPath, data); err != nil {
			return err
		}
	}

	outDir := filepath.Join(st.GeneratedDir, orderNumber)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	pptxPath := filepath.Join(outDir, "book.pptx")
	if err := tpl.Save(pptxPath); err != nil {
		return fmt.Errorf("save personalized pptx: %w", err)
	}
	s.db.ExecContext(ctx, "UPDATE generated_books SET final_pptx_path = ? WHERE id = ?", pptxPath, genID)
	s.logStep(ctx, genID, "assemble_pptx", "completed", "")

	pdfPath, err := s.conv.PPTXToPDF(ctx, pptxPath, outDir)
	if err != nil {
		s.logStep(ctx, genID, "pdf_conversion", "failed", err.Error())
		return fmt.Errorf("pdf conversion: %w", err)
	}
	s.db.ExecContext(ctx, "UPDATE generated_books SET final_pdf_path = ? WHERE id = ?", pdfPath, genID)
	s.logStep(ctx, genID, "pdf_conversion", "completed", "")

	return nil
}

// countEligible counts the distinct slide pictures large enough to swap.
func countEligible(images []pptx.SlideImage) int {
	seen := make(map[string]bool, len(images))
	n := 0
	for _, img := range images {
		if seen[img.MediaPath] {
			continue
		}
		seen[img.MediaPath] = true
		if w, h, err := imaging.Size(img.Data); err == nil &&
			w >= preview.MinSwapImageEdge && h >= preview.MinSwapImageEdge {
			n++
		}
	}
	return n
}

func (s *Service) logStep(ctx context.Context, genID int64, step, status, details string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_logs (generated_book_id, step, status, api_provider, error_details)
		VALUES (?, ?, ?, 'fotor', ?)`, genID, step, status, details)
	if err != nil {
		log.Printf("generation log write failed: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
