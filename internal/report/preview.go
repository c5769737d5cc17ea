package report

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// DefaultPreviewDPI renders an A4 page at roughly 827×1169 pixels.
const DefaultPreviewDPI = 100

// Preview rasterises the first page of a rendered report.
func Preview(pdf []byte, dpi int) (image.Image, error) {
	if dpi <= 0 {
		dpi = DefaultPreviewDPI
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("report has no pages")
	}
	img, err := doc.ImageDPI(0, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render report page: %w", err)
	}
	return img, nil
}
