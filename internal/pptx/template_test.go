package pptx

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"
)

// buildTestPPTX assembles a minimal two-slide archive with one picture on
// slide 1.
func buildTestPPTX(t *testing.T) []byte {
	t.Helper()

	parts := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`,
		"ppt/presentation.xml": `<?xml version="1.0"?><p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"/>`,
		"ppt/slides/slide1.xml": `<?xml version="1.0"?><p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">` +
			`<a:t>Once upon a time, Sami went to the forest</a:t>` +
			`<a:t lang="ar">Sami &amp; friends</a:t></p:sld>`,
		"ppt/slides/slide2.xml": `<?xml version="1.0"?><p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">` +
			`<a:t>The end</a:t></p:sld>`,
		"ppt/slides/_rels/slide1.xml.rels": `<?xml version="1.0"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
			`<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="../media/image1.png"/>` +
			`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/slideLayout" Target="../slideLayouts/slideLayout1.xml"/>` +
			`</Relationships>`,
		"ppt/media/image1.png": "fake-png-bytes",
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestLoadAndSlideCount(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := tpl.SlideCount(); got != 2 {
		t.Errorf("SlideCount = %d, want 2", got)
	}
}

func TestLoadRejectsNonPPTX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("hello.txt")
	w.Write([]byte("not a presentation"))
	zw.Close()

	if _, err := Load(buf.Bytes()); err == nil {
		t.Error("expected error for zip without slides")
	}
}

func TestReplaceText(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	n := tpl.ReplaceText("Sami", "Lina")
	if n != 2 {
		t.Errorf("ReplaceText count = %d, want 2", n)
	}

	texts := tpl.ExtractText()
	if len(texts) != 2 {
		t.Fatalf("ExtractText returned %d slides, want 2", len(texts))
	}
	if want := "Once upon a time, Lina went to the forest Lina & friends"; texts[0] != want {
		t.Errorf("slide 1 text = %q, want %q", texts[0], want)
	}
	if texts[1] != "The end" {
		t.Errorf("slide 2 text = %q, want %q", texts[1], "The end")
	}
}

func TestReplaceTextEscapesSpecialChars(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if n := tpl.ReplaceText("Sami & friends", "A<B"); n != 1 {
		t.Fatalf("ReplaceText count = %d, want 1", n)
	}
	texts := tpl.ExtractText()
	if want := "Once upon a time, Sami went to the forest A<B"; texts[0] != want {
		t.Errorf("slide 1 text = %q, want %q", texts[0], want)
	}
}

func TestListImages(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	images, err := tpl.ListImages(0)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("ListImages returned %d images, want 1", len(images))
	}
	img := images[0]
	if img.Slide != 1 {
		t.Errorf("Slide = %d, want 1", img.Slide)
	}
	if img.RelID != "rId2" {
		t.Errorf("RelID = %q, want rId2", img.RelID)
	}
	if img.MediaPath != "ppt/media/image1.png" {
		t.Errorf("MediaPath = %q", img.MediaPath)
	}
	if string(img.Data) != "fake-png-bytes" {
		t.Errorf("Data = %q", img.Data)
	}
}

func TestListImagesMaxSlides(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Slide 1 carries the only picture; limiting to slide 1 keeps it,
	// and the limit itself must not drop slides before the cutoff.
	images, err := tpl.ListImages(1)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 1 {
		t.Errorf("ListImages(1) returned %d images, want 1", len(images))
	}
}

func TestReplaceImageAndRoundTrip(t *testing.T) {
	tpl, err := Load(buildTestPPTX(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := tpl.ReplaceImage("ppt/media/image1.png", []byte("swapped")); err != nil {
		t.Fatalf("ReplaceImage: %v", err)
	}
	if err := tpl.ReplaceImage("ppt/media/missing.png", []byte("x")); err == nil {
		t.Error("expected error for unknown media part")
	}

	out := filepath.Join(t.TempDir(), "out.pptx")
	if err := tpl.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Open(out)
	if err != nil {
		t.Fatalf("Open saved file: %v", err)
	}
	images, err := reloaded.ListImages(0)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 1 || string(images[0].Data) != "swapped" {
		t.Errorf("replaced image not persisted: %+v", images)
	}
}
