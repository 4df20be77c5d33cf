package dedup

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Metadata is what can be learned from the head of a payload.
type Metadata struct {
	ContentType string
	Format      string
	Width       int
	Height      int
}

// probeMetadata reads the image header from r when it is a known image
// format, falling back to content sniffing for anything else.
func probeMetadata(r io.ReadSeeker) Metadata {
	if cfg, format, err := image.DecodeConfig(r); err == nil {
		return Metadata{
			ContentType: contentTypeFor(format),
			Format:      format,
			Width:       cfg.Width,
			Height:      cfg.Height,
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Metadata{ContentType: "application/octet-stream"}
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(r, head)
	return Metadata{ContentType: http.DetectContentType(head[:n])}
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
