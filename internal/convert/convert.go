// Package convert produces the final PDF for a generated book. LibreOffice
// headless is used when available since it reproduces the template layout
// exactly; without it the slides are rendered in-process and assembled into
// an image-per-page PDF. Either way the result is verified by page count.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gopdf2 "github.com/VantageDataChat/GoPDF2"
	"github.com/signintech/gopdf"

	"khayal/internal/pptx"
)

// renderSlides is overridable in tests.
var renderSlides = pptx.RenderSlides

// Converter converts personalized PPTX files to PDF.
type Converter struct {
	sofficePath string
	timeout     time.Duration
	renderWidth int
}

// New creates a Converter. sofficePath may be empty, in which case the
// binary is looked up on PATH under its common names.
func New(sofficePath string, timeoutSec, renderWidth int) *Converter {
	if timeoutSec <= 0 {
		timeoutSec = 120
	}
	if renderWidth <= 0 {
		renderWidth = 1280
	}
	return &Converter{
		sofficePath: resolveSoffice(sofficePath),
		timeout:     time.Duration(timeoutSec) * time.Second,
		renderWidth: renderWidth,
	}
}

func resolveSoffice(configured string) string {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured
		}
	}
	for _, name := range []string{"soffice", "libreoffice"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// SofficeAvailable reports whether LibreOffice was found.
func (c *Converter) SofficeAvailable() bool {
	return c.sofficePath != ""
}

// PPTXToPDF converts pptxPath to a PDF in outDir and returns the PDF path.
// The produced document must have exactly one page per slide; a mismatch
// fails the conversion.
func (c *Converter) PPTXToPDF(ctx context.Context, pptxPath, outDir string) (string, error) {
	tpl, err := pptx.Open(pptxPath)
	if err != nil {
		return "", err
	}
	wantPages := tpl.SlideCount()

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	var pdfPath string
	if c.SofficeAvailable() {
		pdfPath, err = c.convertWithSoffice(ctx, pptxPath, outDir)
	} else {
		pdfPath, err = c.convertWithRenderer(pptxPath, outDir)
	}
	if err != nil {
		return "", err
	}

	if err := verifyPageCount(pdfPath, wantPages); err != nil {
		os.Remove(pdfPath)
		return "", err
	}
	return pdfPath, nil
}

// convertWithSoffice shells out to LibreOffice headless.
func (c *Converter) convertWithSoffice(ctx context.Context, pptxPath, outDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.sofficePath,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, pptxPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("libreoffice conversion timed out after %s", c.timeout)
		}
		return "", fmt.Errorf("libreoffice conversion failed: %v: %s", err, truncate(string(out), 300))
	}

	base := strings.TrimSuffix(filepath.Base(pptxPath), filepath.Ext(pptxPath))
	pdfPath := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("libreoffice reported success but %s is missing", pdfPath)
	}
	return pdfPath, nil
}

// convertWithRenderer renders each slide to PNG and assembles an
// image-per-page PDF.
func (c *Converter) convertWithRenderer(pptxPath, outDir string) (string, error) {
	data, err := os.ReadFile(pptxPath)
	if err != nil {
		return "", fmt.Errorf("read pptx: %w", err)
	}

	images, err := renderSlides(data, c.renderWidth, 0)
	if err != nil {
		return "", fmt.Errorf("render slides: %w", err)
	}

	// gopdf loads images from paths, so stage the pages in a temp dir.
	tmpDir, err := os.MkdirTemp("", "khayal-pdf-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})

	for i, img := range images {
		pagePath := filepath.Join(tmpDir, fmt.Sprintf("page%04d.png", i+1))
		if err := os.WriteFile(pagePath, img, 0644); err != nil {
			return "", fmt.Errorf("write page image: %w", err)
		}

		imgObj := new(gopdf.ImageObj)
		if err := imgObj.SetImagePath(pagePath); err != nil {
			return "", fmt.Errorf("load page %d image: %w", i+1, err)
		}

		pdf.AddPageWithOption(gopdf.PageOption{PageSize: imgObj.GetRect()})
		if err := pdf.Image(pagePath, 0, 0, imgObj.GetRect()); err != nil {
			return "", fmt.Errorf("place page %d image: %w", i+1, err)
		}
	}

	base := strings.TrimSuffix(filepath.Base(pptxPath), filepath.Ext(pptxPath))
	pdfPath := filepath.Join(outDir, base+".pdf")
	if err := pdf.WritePdf(pdfPath); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return pdfPath, nil
}

// verifyPageCount checks the produced PDF against the slide count.
func verifyPageCount(pdfPath string, want int) error {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return fmt.Errorf("read produced pdf: %w", err)
	}
	got, err := gopdf2.GetSourcePDFPageCountFromBytes(data)
	if err != nil {
		return fmt.Errorf("inspect produced pdf: %w", err)
	}
	if got != want {
		return fmt.Errorf("produced pdf has %d pages, want %d", got, want)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
