// Package report assembles the downloadable PDF diagnosis report.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/Brownie44l1/pneumonia-api/internal/diagnosis"
)

const (
	Title           = "Pneumonia Diagnosis Report"
	TimestampLayout = "2006-01-02 15:04:05"
)

// User types offered by the upload form.
const (
	UserDoctor  = "Doctor"
	UserPatient = "Patient"
)

// Input is everything that goes into one report.
type Input struct {
	ID          string
	UserType    string
	Result      diagnosis.Result
	Confidence  float64
	Original    image.Image
	OverlayPath string
	GeneratedAt time.Time
}

// ValidUserType reports whether t is one of the offered user types.
func ValidUserType(t string) bool {
	return t == UserDoctor || t == UserPatient
}

// Build writes the PDF for in to w. A missing overlay file is skipped.
func Build(w io.Writer, in Input) error {
	if in.Original == nil {
		return errors.New("report needs the original image")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now()
	}
	if in.UserType == "" {
		in.UserType = UserPatient
	}
	timestamp := in.GeneratedAt.Format(TimestampLayout)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(Title, true)
	pdf.SetCreator("pneumonia-api", true)
	pdf.AddPage()

	qr, err := qrcode.Encode(fmt.Sprintf("report=%s;diagnosis=%s;confidence=%.2f;time=%s",
		in.ID, in.Result.Label, in.Confidence, timestamp), qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}
	pngOpts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", pngOpts, bytes.NewReader(qr))
	pdf.ImageOptions("qr", 175, 8, 25, 25, false, pngOpts, 0, "")

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, Title, "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 12)
	for _, line := range []string{
		"Report ID: " + in.ID,
		"User Type: " + in.UserType,
		"Diagnosis: " + string(in.Result.Label),
		fmt.Sprintf("Confidence: %.2f%%", in.Confidence),
		"Timestamp: " + timestamp,
	} {
		pdf.CellFormat(0, 10, line, "", 1, "", false, 0, "")
	}
	pdf.Ln(10)

	var original bytes.Buffer
	if err := png.Encode(&original, in.Original); err != nil {
		return fmt.Errorf("failed to encode original image: %w", err)
	}
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "Original X-ray Image:", "", 1, "", false, 0, "")
	pdf.RegisterImageOptionsReader("original", pngOpts, &original)
	pdf.ImageOptions("original", 50, -1, 100, 0, true, pngOpts, 0, "")
	pdf.Ln(10)

	if in.OverlayPath != "" {
		if _, err := os.Stat(in.OverlayPath); err == nil {
			pdf.SetFont("Arial", "B", 12)
			pdf.CellFormat(0, 10, "Saliency Map Explanation:", "", 1, "", false, 0, "")
			pdf.ImageOptions(in.OverlayPath, 50, -1, 100, 0, true, pngOpts, 0, "")
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}
