package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
	"github.com/Brownie44l1/pneumonia-api/internal/inference"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/report"
	"github.com/Brownie44l1/pneumonia-api/internal/system"
)

// SaliencyRoute is the URL prefix overlay files are served under.
const SaliencyRoute = "/saliency/"

type Handler struct {
	service        *inference.Service
	saliencyDir    string
	maxUploadBytes int64
	previewDPI     int
}

type Options struct {
	SaliencyDir    string
	MaxUploadBytes int64
	PreviewDPI     int
}

func NewHandler(service *inference.Service, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		service:        service,
		saliencyDir:    opts.SaliencyDir,
		maxUploadBytes: opts.MaxUploadBytes,
		previewDPI:     opts.PreviewDPI,
	}
}

// PredictionResponse is the JSON body of both predict endpoints.
type PredictionResponse struct {
	Diagnosis         string  `json:"diagnosis"`
	Probability       float32 `json:"probability"`
	Confidence        float64 `json:"confidence"`
	DisplayConfidence float64 `json:"display_confidence"`
	DisplaySmoothed   bool    `json:"display_smoothed"`
	SaliencyURL       string  `json:"saliency_url,omitempty"`
	SaliencyMethod    string  `json:"saliency_method,omitempty"`
	Warning           string  `json:"warning,omitempty"`
}

func (h *Handler) response(a *inference.Analysis) PredictionResponse {
	resp := PredictionResponse{
		Diagnosis:         string(a.Result.Label),
		Probability:       a.Result.Probability,
		Confidence:        a.Result.Confidence,
		DisplayConfidence: a.DisplayConfidence,
		DisplaySmoothed:   a.Smoothed,
		Warning:           a.Warning,
	}
	if a.Explanation != nil {
		resp.SaliencyURL = path.Join(SaliencyRoute, filepath.Base(a.Explanation.OverlayPath))
		resp.SaliencyMethod = a.Explanation.Method
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Response encode error: %v", err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "healthy",
		"model":  h.service.Classifier().Info(),
		"system": system.Collect(),
	})
}

// Predict classifies a raw NHWC float array.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	size := h.service.Classifier().Info().ImageSize
	input, err := imaging.FromData(size, size, imaging.Channels, req.Image)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a, err := h.service.AnalyzeTensor(r.Context(), input)
	if err != nil {
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.response(a))
}

// analyzeUpload parses the multipart form and runs the pipeline on the
// "image" field. It writes the error response itself and returns nil then.
func (h *Handler) analyzeUpload(w http.ResponseWriter, r *http.Request) *inference.Analysis {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return nil
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return nil
	}
	defer file.Close()

	log.Printf("Received file: %s, size: %d bytes", header.Filename, header.Size)

	a, err := h.service.AnalyzeReader(r.Context(), file)
	if err != nil {
		if inference.IsInputError(err) {
			http.Error(w, "Invalid image format. Supported: JPEG, PNG, BMP, TIFF, WebP", http.StatusBadRequest)
			return nil
		}
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return nil
	}
	return a
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	a := h.analyzeUpload(w, r)
	if a == nil {
		return
	}
	writeJSON(w, h.response(a))
}

func (h *Handler) buildReport(w http.ResponseWriter, r *http.Request) []byte {
	a := h.analyzeUpload(w, r)
	if a == nil {
		return nil
	}

	userType := r.FormValue("user_type")
	if userType == "" {
		userType = report.UserPatient
	}
	if !report.ValidUserType(userType) {
		http.Error(w, fmt.Sprintf("user_type must be %s or %s", report.UserDoctor, report.UserPatient), http.StatusBadRequest)
		return nil
	}

	in := report.Input{
		UserType:   userType,
		Result:     a.Result,
		Confidence: a.DisplayConfidence,
		Original:   a.Image,
	}
	if a.Explanation != nil {
		in.OverlayPath = a.Explanation.OverlayPath
	}

	var buf bytes.Buffer
	if err := report.Build(&buf, in); err != nil {
		log.Printf("Report error: %v", err)
		http.Error(w, "Report generation failed", http.StatusInternalServerError)
		return nil
	}
	return buf.Bytes()
}

// Report returns the PDF report for the uploaded image.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	pdf := h.buildReport(w, r)
	if pdf == nil {
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="pneumonia_report.pdf"`)
	w.Write(pdf)
}

// ReportPreview returns page one of the report as PNG.
func (h *Handler) ReportPreview(w http.ResponseWriter, r *http.Request) {
	pdf := h.buildReport(w, r)
	if pdf == nil {
		return
	}
	img, err := report.Preview(pdf, h.previewDPI)
	if err != nil {
		log.Printf("Preview error: %v", err)
		http.Error(w, "Preview failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		log.Printf("Preview encode error: %v", err)
	}
}

// overlayName matches the files saliency.WriteOverlay creates.
var overlayName = regexp.MustCompile(`^[0-9a-f]{32}_saliency\.png$`)

// Saliency serves single overlay files by name. Directory listings and
// any other file in the directory are not reachable.
func (h *Handler) Saliency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, SaliencyRoute)
	if !overlayName.MatchString(name) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.saliencyDir, name))
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", EnableCORS(h.Health))
	mux.HandleFunc("/predict", EnableCORS(h.Predict))
	mux.HandleFunc("/predict/image", EnableCORS(h.PredictFromImage))
	mux.HandleFunc("/report", EnableCORS(h.Report))
	mux.HandleFunc("/report/preview", EnableCORS(h.ReportPreview))
	mux.HandleFunc(SaliencyRoute, EnableCORS(h.Saliency))
	return mux
}

func EnableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
