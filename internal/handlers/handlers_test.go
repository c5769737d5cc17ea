package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
	"github.com/Brownie44l1/pneumonia-api/internal/inference"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/saliency"
)

// meanClassifier scores the mean red intensity, so bright images are
// Pneumonia and dark ones Normal. Its gradient is uniform on red.
type meanClassifier struct{}

func (meanClassifier) Predict(_ context.Context, input *imaging.Tensor) ([]float32, error) {
	var sum float32
	for y := 0; y < input.Height; y++ {
		for x := 0; x < input.Width; x++ {
			sum += input.At(y, x, 0)
		}
	}
	return []float32{sum / float32(input.Height*input.Width)}, nil
}

func (meanClassifier) InputGradient(_ context.Context, input *imaging.Tensor, _ int) ([]float32, error) {
	grad := make([]float32, input.Len())
	for i := 0; i < len(grad); i += input.Channels {
		grad[i] = float32(i) / float32(len(grad))
	}
	return grad, nil
}

func (meanClassifier) Info() model.Info {
	return model.Info{Backend: "test", ImageSize: 8, Classes: []string{"Pneumonia"}, Differentiable: true}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	explainer, err := saliency.NewExplainer(saliency.Options{Method: saliency.MethodGradient, OutputDir: dir, OverlaySize: 16})
	if err != nil {
		t.Fatalf("NewExplainer failed: %v", err)
	}
	svc := inference.NewService(meanClassifier{}, explainer, inference.Options{})
	return NewHandler(svc, Options{SaliencyDir: dir, MaxUploadBytes: 1 << 20, PreviewDPI: 30})
}

func pngBytes(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "xray.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestPredictFromImagePneumoniaWithSaliency(t *testing.T) {
	h := newTestHandler(t)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, multipartRequest(t, "/predict/image", pngBytes(t, 240), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Diagnosis != "Pneumonia" {
		t.Fatalf("diagnosis = %s", resp.Diagnosis)
	}
	if !strings.HasPrefix(resp.SaliencyURL, SaliencyRoute) || resp.SaliencyMethod != saliency.MethodGradient {
		t.Fatalf("unexpected saliency fields %+v", resp)
	}

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resp.SaliencyURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("overlay status = %d", rec.Code)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("overlay is not a PNG: %v", err)
	}
}

func TestPredictFromImageNormal(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/image", pngBytes(t, 10), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Diagnosis != "Normal" || resp.SaliencyURL != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Confidence < 90 {
		t.Fatalf("confidence = %f", resp.Confidence)
	}
}

func TestPredictFromImageErrors(t *testing.T) {
	h := newTestHandler(t)
	routes := h.Routes()

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"method", httptest.NewRequest(http.MethodGet, "/predict/image", nil), http.StatusMethodNotAllowed},
		{"no file", multipartRequest(t, "/predict/image", nil, map[string]string{"x": "y"}), http.StatusBadRequest},
		{"bad image", multipartRequest(t, "/predict/image", []byte("not an image"), nil), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, tt.req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPredictRawArray(t *testing.T) {
	h := newTestHandler(t)
	routes := h.Routes()

	values := make([]float32, 8*8*3)
	for i := range values {
		values[i] = 0.9
	}
	body, _ := json.Marshal(model.PredictionRequest{Image: values})

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Diagnosis != "Pneumonia" {
		t.Fatalf("diagnosis = %s", resp.Diagnosis)
	}

	body, _ = json.Marshal(model.PredictionRequest{Image: values[:10]})
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short array status = %d", rec.Code)
	}
}

func TestReport(t *testing.T) {
	h := newTestHandler(t)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, multipartRequest(t, "/report", pngBytes(t, 240), map[string]string{"user_type": "Doctor"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %s", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("body is not a PDF")
	}

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, multipartRequest(t, "/report", pngBytes(t, 240), map[string]string{"user_type": "Nurse"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid user type status = %d", rec.Code)
	}
}

func TestReportPreview(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "/report/preview", pngBytes(t, 10), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("preview is not a PNG: %v", err)
	}
}

func TestSaliencyServesOnlyOverlayFiles(t *testing.T) {
	h := newTestHandler(t)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, multipartRequest(t, "/predict/image", pngBytes(t, 240), nil))
	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.saliencyDir, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"overlay", resp.SaliencyURL, http.StatusOK},
		{"listing", SaliencyRoute, http.StatusNotFound},
		{"other file", SaliencyRoute + "secret.txt", http.StatusNotFound},
		{"traversal", SaliencyRoute + "../" + path.Base(resp.SaliencyURL), http.StatusNotFound},
		{"unknown overlay", SaliencyRoute + strings.Repeat("0", 32) + "_saliency.png", http.StatusNotFound},
	}
	// Served by the handler directly so the mux does not clean the paths first.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Saliency(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("GET %s status = %d, want %d", tt.path, rec.Code, tt.want)
			}
			if tt.want == http.StatusNotFound && strings.Contains(rec.Body.String(), "_saliency.png") {
				t.Fatalf("GET %s leaked overlay names: %s", tt.path, rec.Body.String())
			}
		})
	}
}
