package book

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"khayal/internal/db"
	"khayal/internal/pricing"
)

func testService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	table := func() map[string]pricing.CurrencyConfig {
		return map[string]pricing.CurrencyConfig{
			"SAR": {Rate: 1},
			"EGP": {Rate: 13, Adjustment: 20},
		}
	}
	return NewService(conn, table), conn
}

func sampleBook() *Book {
	return &Book{
		Title:           "مغامرة في الغابة",
		Description:     "قصة مخصصة",
		AgeRange:        "3-6",
		Category:        "boy",
		Price:           249,
		HeroName:        "Sami",
		TemplatePath:    "stories/templates/1/template.pptx",
		CoverImagePath:  "stories/templates/1/cover.jpg",
		PreviewImages:   []string{"stories/templates/1/p1.jpg", "stories/templates/1/p2.jpg"},
		ReferenceImages: []string{"stories/templates/1/hero1.jpg"},
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, sampleBook())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != "مغامرة في الغابة" || got.HeroName != "Sami" {
		t.Errorf("book = %+v", got)
	}
	if len(got.PreviewImages) != 2 || len(got.ReferenceImages) != 1 {
		t.Errorf("image lists not round-tripped: %+v", got)
	}
	if !got.IsActive {
		t.Error("new book should be active")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &Book{TemplatePath: "x"}); err == nil {
		t.Error("expected error for missing title")
	}
	if _, err := svc.Create(ctx, &Book{Title: "x"}); err == nil {
		t.Error("expected error for missing template path")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	svc, _ := testService(t)
	if _, err := svc.GetByID(context.Background(), 999); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListActiveFilters(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	b1 := sampleBook()
	if _, err := svc.Create(ctx, b1); err != nil {
		t.Fatal(err)
	}
	b2 := sampleBook()
	b2.Title = "قصة البنت"
	b2.Category = "girl"
	b2.AgeRange = "7-10"
	if _, err := svc.Create(ctx, b2); err != nil {
		t.Fatal(err)
	}

	all, err := svc.ListActive(ctx, "", "", "")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d books, want 2", len(all))
	}

	girls, err := svc.ListActive(ctx, "", "girl", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(girls) != 1 || girls[0].Category != "girl" {
		t.Errorf("category filter: %+v", girls)
	}

	young, err := svc.ListActive(ctx, "3-6", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(young) != 1 || young[0].AgeRange != "3-6" {
		t.Errorf("age filter: %+v", young)
	}
}

func TestListActiveCurrency(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	b := sampleBook()
	b.Price = 250
	if _, err := svc.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	books, err := svc.ListActive(ctx, "", "", "EGP")
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 {
		t.Fatal("missing book")
	}
	if books[0].DisplayPrice != 3500 {
		t.Errorf("DisplayPrice = %v, want 3500", books[0].DisplayPrice)
	}
	if books[0].Currency != "EGP" {
		t.Errorf("Currency = %q", books[0].Currency)
	}
}

func TestUpdateKeepsPathsWhenEmpty(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, sampleBook())
	if err != nil {
		t.Fatal(err)
	}

	upd := &Book{ID: id, Title: "عنوان جديد", Price: 299, HeroName: "Sami"}
	if err := svc.Update(ctx, upd); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := svc.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "عنوان جديد" || got.Price != 299 {
		t.Errorf("metadata not updated: %+v", got)
	}
	if got.TemplatePath != "stories/templates/1/template.pptx" {
		t.Errorf("template path lost: %q", got.TemplatePath)
	}
	if len(got.PreviewImages) != 2 {
		t.Errorf("preview images lost: %v", got.PreviewImages)
	}
}

func TestDeactivate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	id, err := svc.Create(ctx, sampleBook())
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Deactivate(ctx, id); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	active, err := svc.ListActive(ctx, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("deactivated book still listed: %+v", active)
	}

	// Still loadable directly, and present in the admin list.
	if _, err := svc.GetByID(ctx, id); err != nil {
		t.Errorf("GetByID after deactivate: %v", err)
	}
	all, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListAll = %d books, want 1", len(all))
	}

	if err := svc.Deactivate(ctx, 999); err != ErrNotFound {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}
