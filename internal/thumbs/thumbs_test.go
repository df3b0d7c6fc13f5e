package thumbs

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if filepath.Ext(name) == ".png" {
		err = png.Encode(f, img)
	} else {
		err = jpeg.Encode(f, img, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestThumbnailFitsBox(t *testing.T) {
	path := writeTestImage(t, "wide.png", 1024, 512)

	th := &ImageThumbnailer{}
	b64, err := th.Thumbnail(path)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if b64 == "" {
		t.Fatal("empty thumbnail for image file")
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("thumbnail is not valid base64: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("thumbnail is not a JPEG: %v", err)
	}
	if cfg.Width > 256 || cfg.Height > 256 {
		t.Errorf("thumbnail %dx%d exceeds 256 box", cfg.Width, cfg.Height)
	}
	// Aspect ratio preserved: 1024x512 fits to 256x128.
	if cfg.Width != 256 || cfg.Height != 128 {
		t.Errorf("thumbnail %dx%d, want 256x128", cfg.Width, cfg.Height)
	}
}

func TestThumbnailSmallImageNotUpscaled(t *testing.T) {
	path := writeTestImage(t, "small.jpg", 64, 48)

	th := &ImageThumbnailer{}
	b64, err := th.Thumbnail(path)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(b64)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width > 64 || cfg.Height > 48 {
		t.Errorf("small image upscaled to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestThumbnailNonImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	th := &ImageThumbnailer{}
	b64, err := th.Thumbnail(path)
	if err != nil {
		t.Fatalf("Thumbnail on non-image: %v", err)
	}
	if b64 != "" {
		t.Error("non-image produced a thumbnail")
	}
}

func TestThumbnailMissingFile(t *testing.T) {
	th := &ImageThumbnailer{}
	if _, err := th.Thumbnail(filepath.Join(t.TempDir(), "gone.png")); err == nil {
		t.Error("missing image file did not error")
	}
}

func TestIsImage(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"photo.jpg", true},
		{"photo.JPEG", true},
		{"chart.png", true},
		{"anim.gif", true},
		{"doc.pdf", false},
		{"notes.md", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := IsImage(tt.path); got != tt.want {
			t.Errorf("IsImage(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
