package pptx

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log"

	goppt "github.com/VantageDataChat/GoPPT"
)

// RenderSlides renders up to maxSlides slides (all when maxSlides <= 0) of a
// presentation to PNG bytes at the given pixel width. Batch rendering with a
// shared FontCache is attempted first; slides the batch pass could not
// produce are retried individually.
func RenderSlides(data []byte, width, maxSlides int) (out [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("slide rendering panic: %v", r)
		}
	}()

	pres, err := goppt.ReadFrom(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read presentation: %w", err)
	}
	defer pres.Close()

	slides := pres.Slides()
	count := len(slides)
	if maxSlides > 0 && maxSlides < count {
		count = maxSlides
	}
	if count == 0 {
		return nil, fmt.Errorf("presentation has no slides")
	}

	opts := goppt.DefaultRenderOptions()
	if width > 0 {
		opts.Width = width
	}
	opts.FontCache = goppt.NewFontCache()

	renderedImages, renderErr := pres.SlidesToImages(opts)
	if renderErr != nil {
		log.Printf("slide batch render failed, retrying per slide: %v", renderErr)
	}

	out = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var img image.Image
		if renderErr == nil && i < len(renderedImages) {
			img = renderedImages[i]
		} else {
			single, sErr := pres.SlideToImage(i, opts)
			if sErr != nil {
				return nil, fmt.Errorf("render slide %d: %w", i+1, sErr)
			}
			img = single
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode slide %d: %w", i+1, err)
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
