package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeDeck creates a minimal pptx with the given number of slides.
func writeDeck(t *testing.T, path string, slides int) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 1; i <= slides; i++ {
		w, err := zw.Create(fmt.Sprintf("ppt/slides/slide%d.xml", i))
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(w, `<p:sld><p:cSld><p:spTree><a:t>صفحة %d</a:t></p:spTree></p:cSld></p:sld>`, i)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func pagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRendererFallbackAssemblesPDF(t *testing.T) {
	base := t.TempDir()
	pptxPath := filepath.Join(base, "book.pptx")
	writeDeck(t, pptxPath, 2)

	oldRender := renderSlides
	renderSlides = func(data []byte, width, limit int) ([][]byte, error) {
		return [][]byte{pagePNG(t, width, width*3/4), pagePNG(t, width, width*3/4)}, nil
	}
	defer func() { renderSlides = oldRender }()

	// No soffice path forces the in-process renderer.
	c := &Converter{renderWidth: 200, timeout: time.Minute}
	pdfPath, err := c.PPTXToPDF(context.Background(), pptxPath, filepath.Join(base, "out"))
	if err != nil {
		t.Fatalf("PPTXToPDF: %v", err)
	}
	if filepath.Base(pdfPath) != "book.pdf" {
		t.Errorf("pdf path = %s", pdfPath)
	}
	if err := verifyPageCount(pdfPath, 2); err != nil {
		t.Errorf("produced pdf: %v", err)
	}
}

func TestRendererFallbackRejectsPageCountMismatch(t *testing.T) {
	base := t.TempDir()
	pptxPath := filepath.Join(base, "book.pptx")
	writeDeck(t, pptxPath, 2)

	oldRender := renderSlides
	renderSlides = func(data []byte, width, limit int) ([][]byte, error) {
		return [][]byte{pagePNG(t, width, width)}, nil
	}
	defer func() { renderSlides = oldRender }()

	c := &Converter{renderWidth: 200, timeout: time.Minute}
	outDir := filepath.Join(base, "out")
	_, err := c.PPTXToPDF(context.Background(), pptxPath, outDir)
	if err == nil {
		t.Fatal("expected page count mismatch error")
	}
	if !strings.Contains(err.Error(), "pages") {
		t.Errorf("error = %v, want page count mismatch", err)
	}
	if _, statErr := os.Stat(filepath.Join(outDir, "book.pdf")); !os.IsNotExist(statErr) {
		t.Error("mismatched pdf was left behind")
	}
}

func TestNewDefaults(t *testing.T) {
	c := New("", 0, 0)
	if c.timeout != 120*time.Second {
		t.Errorf("timeout = %v, want 120s", c.timeout)
	}
	if c.renderWidth != 1280 {
		t.Errorf("renderWidth = %d, want 1280", c.renderWidth)
	}
}

func TestResolveSofficeMissingConfiguredPath(t *testing.T) {
	// A configured path that does not exist must not be trusted.
	c := New("/nonexistent/soffice-binary", 60, 1280)
	if c.sofficePath == "/nonexistent/soffice-binary" {
		t.Error("nonexistent configured path was accepted")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate = %q", got)
	}
}
