// Package imaging handles decoding, validation, and manipulation of the
// photos and page images that flow through the book pipeline. Validation
// errors carry Arabic messages since they are shown to customers directly.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register webp decoding
)

// Validation thresholds for uploaded child photos.
const (
	MinPhotoEdge  = 600 // minimum width and height in pixels
	MinBlurScore  = 100 // Laplacian variance below this means out of focus
	MinBrightness = 40  // mean gray level below this means too dark
)

// ValidationError is a customer-facing photo rejection. The message is in
// Arabic and safe to return to the client verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Decode parses jpeg, png, or webp image bytes.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Size returns image dimensions without decoding pixel data.
func Size(data []byte) (w, h int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ValidatePhoto runs the fast local checks on an uploaded photo: minimum
// resolution, focus, and brightness. Face presence is checked later against
// the face detection provider. A *ValidationError means the photo was
// rejected; other errors mean the file could not be processed.
func ValidatePhoto(data []byte) error {
	img, _, err := Decode(data)
	if err != nil {
		return &ValidationError{Message: "فشل في قراءة الصورة. تأكد من أن الملف صورة صحيحة"}
	}

	b := img.Bounds()
	if b.Dx() < MinPhotoEdge || b.Dy() < MinPhotoEdge {
		return &ValidationError{Message: "الصورة صغيرة جداً (الحد الأدنى 600×600). قد تكون الصورة مقصوصة أو ذات جودة منخفضة"}
	}

	gray := toGray(img)

	if blurScore(gray) < MinBlurScore {
		return &ValidationError{Message: "الصورة غير واضحة. قد تكون الكاميرا غير مركزة أو هناك حركة أثناء التصوير"}
	}

	if meanBrightness(gray) < MinBrightness {
		return &ValidationError{Message: "الصورة مظلمة جداً. حاول التصوير في مكان أكثر إضاءة"}
	}

	return nil
}

// toGray converts an image to 8-bit grayscale.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

// blurScore computes the variance of the Laplacian over the grayscale
// image. Sharp images have strong edges and a high variance; a blurred
// photo scores low.
func blurScore(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}

	n := 0
	sum := 0.0
	sumSq := 0.0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			// 4-neighbor Laplacian kernel
			lap := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// meanBrightness returns the average gray level.
func meanBrightness(gray *image.Gray) float64 {
	b := gray.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(gray.GrayAt(x, y).Y)
		}
	}
	return sum / float64(n)
}

// ResizeToWidth scales an image down so its width does not exceed maxWidth,
// preserving aspect ratio. Images already within the limit are returned
// unchanged.
func ResizeToWidth(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img
	}
	newH := b.Dy() * maxWidth / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodeJPEG encodes an image as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes an image as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressUpload re-encodes an uploaded photo as JPEG, capped at maxWidth.
func CompressUpload(data []byte, maxWidth, quality int) ([]byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(ResizeToWidth(img, maxWidth), quality)
}

// Composite scales patch to rect and draws it over base, returning a new
// image. rect is clipped to the base bounds.
func Composite(base image.Image, patch image.Image, rect image.Rectangle) image.Image {
	b := base.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, base, b.Min, draw.Src)

	target := rect.Intersect(b)
	if target.Empty() {
		return dst
	}
	draw.CatmullRom.Scale(dst, target, patch, patch.Bounds(), draw.Over, nil)
	return dst
}

// Crop copies the rect region of img into a new image anchored at the
// origin. rect is clipped to the image bounds.
func Crop(img image.Image, rect image.Rectangle) *image.RGBA {
	rect = rect.Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// NewUniformImage builds a single-color RGBA image.
func NewUniformImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}
