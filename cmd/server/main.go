package main

import (
	"flag"
	"io"
	"log"
	"net/http"

	"github.com/Brownie44l1/pneumonia-api/internal/config"
	"github.com/Brownie44l1/pneumonia-api/internal/diagnosis"
	"github.com/Brownie44l1/pneumonia-api/internal/handlers"
	"github.com/Brownie44l1/pneumonia-api/internal/inference"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/saliency"
	"github.com/Brownie44l1/pneumonia-api/internal/system"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	system.LogStartup()
	log.Printf("Loading %s model from: %s", cfg.Model.Backend, cfg.Model.Path)

	clf, err := model.Open(model.Options{
		Backend:           cfg.Model.Backend,
		Path:              cfg.Model.Path,
		MetadataPath:      cfg.Model.MetadataPath,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
	})
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	if c, ok := clf.(io.Closer); ok {
		defer c.Close()
	}

	explainer, err := saliency.NewExplainer(saliency.Options{
		Method:         cfg.Saliency.Method,
		OutputDir:      cfg.Saliency.OutputDir,
		OverlaySize:    cfg.Saliency.OverlaySize,
		Alpha:          cfg.Saliency.Alpha,
		OcclusionPatch: cfg.Saliency.OcclusionPatch,
		Caption:        cfg.Saliency.Caption,
	})
	if err != nil {
		log.Fatalf("Failed to configure saliency: %v", err)
	}

	if cfg.Diagnosis.Smoothing.Enabled {
		log.Printf("Cosmetic confidence smoothing is enabled; display_confidence is not a measurement")
	}

	svc := inference.NewService(clf, explainer, inference.Options{
		ExplainNormal: cfg.Saliency.ExplainNormal,
		Smoother:      diagnosis.NewSmoother(cfg.Diagnosis.Smoothing),
	})
	handler := handlers.NewHandler(svc, handlers.Options{
		SaliencyDir:    cfg.Saliency.OutputDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		PreviewDPI:     cfg.Report.PreviewDPI,
	})

	info := clf.Info()
	log.Printf("Server starting on %s", addr)
	log.Printf("Classes: %v (input %dx%d, gradients: %v)", info.Classes, info.ImageSize, info.ImageSize, info.Differentiable)
	log.Println("Endpoints:")
	log.Println("  GET  /health          - Health check")
	log.Println("  POST /predict         - Raw array prediction")
	log.Println("  POST /predict/image   - Predict from image upload")
	log.Println("  POST /report          - PDF report from image upload")
	log.Println("  POST /report/preview  - PNG preview of the report")
	log.Println("  GET  /saliency/<file> - Saliency overlay")

	if err := http.ListenAndServe(addr, handler.Routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
