// Package pptx edits PPTX story templates at the archive level and renders
// slides to images. Editing works directly on the OPC zip parts so the rest
// of the package stays untouched byte-for-byte: text runs are rewritten in
// the slide XML and pictures are swapped by replacing media parts.
package pptx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Template is an in-memory PPTX archive open for editing.
type Template struct {
	parts map[string][]byte
	order []string // original part order, for stable round-trips
}

// SlideImage identifies a picture used by a slide.
type SlideImage struct {
	Slide     int    // 1-based slide number
	RelID     string // relationship id inside the slide
	MediaPath string // archive path of the media part (ppt/media/imageN.ext)
	Data      []byte
}

var (
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	textRunRe   = regexp.MustCompile(`(?s)<a:t(?:\s[^>]*)?>(.*?)</a:t>`)
)

// Open reads a PPTX file from disk.
func Open(pathname string) (*Template, error) {
	data, err := os.ReadFile(pathname)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return Load(data)
}

// Load parses PPTX bytes.
func Load(data []byte) (*Template, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pptx archive: %w", err)
	}

	t := &Template{parts: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open part %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", f.Name, err)
		}
		t.parts[f.Name] = content
		t.order = append(t.order, f.Name)
	}

	if len(t.slideNames()) == 0 {
		return nil, fmt.Errorf("not a pptx file: no slides found")
	}
	return t, nil
}

// SlideCount returns the number of slides in the presentation.
func (t *Template) SlideCount() int {
	return len(t.slideNames())
}

// slideNames returns slide part names sorted by slide number.
func (t *Template) slideNames() []string {
	var names []string
	for name := range t.parts {
		if slideNameRe.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return slideNumber(names[i]) < slideNumber(names[j])
	})
	return names
}

func slideNumber(name string) int {
	m := slideNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// ReplaceText substitutes old with new inside every text run of every slide
// and returns the number of replacements. Both strings are matched in their
// XML-escaped form, so callers pass plain text.
func (t *Template) ReplaceText(old, new string) int {
	if old == "" {
		return 0
	}
	oldEsc := xmlEscape(old)
	newEsc := xmlEscape(new)

	total := 0
	for _, name := range t.slideNames() {
		xmlData := string(t.parts[name])
		replaced := textRunRe.ReplaceAllStringFunc(xmlData, func(run string) string {
			if !strings.Contains(run, oldEsc) {
				return run
			}
			total += strings.Count(run, oldEsc)
			return strings.ReplaceAll(run, oldEsc, newEsc)
		})
		t.parts[name] = []byte(replaced)
	}
	return total
}

// ExtractText returns the concatenated text runs of each slide, one string
// per slide in order.
func (t *Template) ExtractText() []string {
	names := t.slideNames()
	texts := make([]string, len(names))
	for i, name := range names {
		var sb strings.Builder
		for _, m := range textRunRe.FindAllSubmatch(t.parts[name], -1) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(xmlUnescape(string(m[1])))
		}
		texts[i] = strings.TrimSpace(sb.String())
	}
	return texts
}

// ListImages returns the pictures referenced by the first maxSlides slides
// (all slides when maxSlides <= 0), resolved through each slide's
// relationship part. A media part referenced by several slides is reported
// once per reference.
func (t *Template) ListImages(maxSlides int) ([]SlideImage, error) {
	names := t.slideNames()
	if maxSlides > 0 && maxSlides < len(names) {
		names = names[:maxSlides]
	}

	var images []SlideImage
	for _, name := range names {
		rels, err := t.slideRels(name)
		if err != nil {
			return nil, err
		}
		slideNum := slideNumber(name)
		for _, rel := range rels {
			if !strings.HasSuffix(rel.Type, "/image") {
				continue
			}
			mediaPath := resolveTarget("ppt/slides", rel.Target)
			data, ok := t.parts[mediaPath]
			if !ok {
				continue
			}
			images = append(images, SlideImage{
				Slide:     slideNum,
				RelID:     rel.ID,
				MediaPath: mediaPath,
				Data:      data,
			})
		}
	}
	return images, nil
}

// ReplaceImage overwrites a media part with new image bytes. The new image
// should keep the original format; PowerPoint viewers sniff content but the
// part keeps its extension.
func (t *Template) ReplaceImage(mediaPath string, data []byte) error {
	if _, ok := t.parts[mediaPath]; !ok {
		return fmt.Errorf("media part not found: %s", mediaPath)
	}
	t.parts[mediaPath] = data
	return nil
}

// Bytes serializes the archive.
func (t *Template) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range t.order {
		w, err := zw.Create(name)
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("write part %s: %w", name, err)
		}
		if _, err := w.Write(t.parts[name]); err != nil {
			zw.Close()
			return nil, fmt.Errorf("write part %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize pptx archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the archive to disk.
func (t *Template) Save(pathname string) error {
	data, err := t.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(pathname, data, 0644)
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

type relationships struct {
	Rels []relationship `xml:"Relationship"`
}

// slideRels parses the relationship part of a slide. A slide without a rels
// part has no pictures.
func (t *Template) slideRels(slideName string) ([]relationship, error) {
	relName := "ppt/slides/_rels/" + path.Base(slideName) + ".rels"
	data, ok := t.parts[relName]
	if !ok {
		return nil, nil
	}
	var rels relationships
	if err := xml.Unmarshal(data, &rels); err != nil {
		return nil, fmt.Errorf("parse %s: %w", relName, err)
	}
	return rels.Rels, nil
}

// resolveTarget resolves a relationship target relative to baseDir.
// Targets like "../media/image1.png" resolve against ppt/slides.
func resolveTarget(baseDir, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean(path.Join(baseDir, target))
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func xmlEscape(s string) string   { return xmlEscaper.Replace(s) }
func xmlUnescape(s string) string { return xmlUnescaper.Replace(s) }
