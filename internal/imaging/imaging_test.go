package imaging

import (
	"image"
	"image/color"
	"testing"
)

// checkerboard builds an image alternating between two gray levels per
// pixel, which scores very high on the Laplacian blur metric.
func checkerboard(w, h int, a, b uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := a
			if (x+y)%2 == 1 {
				v = b
			}
			img.Set(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := EncodePNG(img)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	return data
}

func TestValidatePhotoAccepts(t *testing.T) {
	data := encodePNG(t, checkerboard(700, 700, 200, 255))
	if err := ValidatePhoto(data); err != nil {
		t.Errorf("sharp bright photo rejected: %v", err)
	}
}

func TestValidatePhotoTooSmall(t *testing.T) {
	data := encodePNG(t, checkerboard(300, 700, 200, 255))
	err := ValidatePhoto(data)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Message == "" {
		t.Error("empty rejection message")
	}
}

func TestValidatePhotoBlurred(t *testing.T) {
	// A uniform image has zero Laplacian variance.
	data := encodePNG(t, NewUniformImage(700, 700, color.Gray{Y: 200}))
	err := ValidatePhoto(data)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError for blurred photo, got %v", err)
	}
}

func TestValidatePhotoTooDark(t *testing.T) {
	// Sharp but dark: mean gray level 30, below the brightness floor.
	data := encodePNG(t, checkerboard(700, 700, 0, 60))
	err := ValidatePhoto(data)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError for dark photo, got %v", err)
	}
}

func TestValidatePhotoGarbage(t *testing.T) {
	err := ValidatePhoto([]byte("not an image"))
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError for undecodable data, got %v", err)
	}
}

func TestSize(t *testing.T) {
	data := encodePNG(t, NewUniformImage(123, 45, color.White))
	w, h, err := Size(data)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if w != 123 || h != 45 {
		t.Errorf("Size = %dx%d, want 123x45", w, h)
	}
}

func TestResizeToWidth(t *testing.T) {
	img := NewUniformImage(2000, 1000, color.White)
	out := ResizeToWidth(img, 1000)
	if b := out.Bounds(); b.Dx() != 1000 || b.Dy() != 500 {
		t.Errorf("resized to %dx%d, want 1000x500", b.Dx(), b.Dy())
	}

	small := NewUniformImage(500, 300, color.White)
	if out := ResizeToWidth(small, 1000); out != image.Image(small) {
		t.Error("image within limit should be returned unchanged")
	}
}

func TestCompressUploadRoundTrip(t *testing.T) {
	data := encodePNG(t, checkerboard(1500, 900, 100, 200))
	out, err := CompressUpload(data, 1000, 90)
	if err != nil {
		t.Fatalf("CompressUpload: %v", err)
	}
	img, format, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	if b := img.Bounds(); b.Dx() != 1000 {
		t.Errorf("width = %d, want 1000", b.Dx())
	}
}

func TestComposite(t *testing.T) {
	base := NewUniformImage(100, 100, color.White)
	patch := NewUniformImage(10, 10, color.Black)

	out := Composite(base, patch, image.Rect(20, 20, 40, 40))

	r, g, b, _ := out.At(30, 30).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("patched area not black: %d %d %d", r, g, b)
	}
	r, _, _, _ = out.At(80, 80).RGBA()
	if r == 0 {
		t.Error("area outside rect was overwritten")
	}
}

func TestCompositeRectOutsideBase(t *testing.T) {
	base := NewUniformImage(50, 50, color.White)
	patch := NewUniformImage(10, 10, color.Black)

	out := Composite(base, patch, image.Rect(200, 200, 220, 220))
	r, _, _, _ := out.At(25, 25).RGBA()
	if r == 0 {
		t.Error("base image changed by out-of-bounds composite")
	}
}
