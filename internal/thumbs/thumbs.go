// Package thumbs renders base64 JPEG previews for files shared into a
// conversation. The tool server attaches a thumbnail when the file is an
// image; everything else attaches bare.
package thumbs

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxSourceBytes bounds how much file we are willing to decode (10MB).
const maxSourceBytes = 10 * 1024 * 1024

// thumbSize is the bounding box for generated previews.
const thumbSize = 256

// Thumbnailer renders a preview for the file at path. Implementations
// return ("", nil) for files they do not handle.
type Thumbnailer interface {
	Thumbnail(path string) (base64JPEG string, err error)
}

// ImageThumbnailer is the default Thumbnailer: images are decoded, fit into
// a 256×256 box, and re-encoded as JPEG.
type ImageThumbnailer struct {
	Quality int // JPEG quality 1..100, default 80
}

// Thumbnail implements Thumbnailer.
func (t *ImageThumbnailer) Thumbnail(path string) (string, error) {
	if !IsImage(path) {
		return "", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", path, err)
	}
	if info.Size() > maxSourceBytes {
		return "", fmt.Errorf("thumbnail %s: file too large (%d bytes)", path, info.Size())
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", path, err)
	}
	fitted := imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)

	quality := t.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("thumbnail %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// IsImage reports whether the path has a decodable image extension.
func IsImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff":
		return true
	default:
		return false
	}
}
