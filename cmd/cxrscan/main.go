package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/pneumonia-api/internal/config"
	"github.com/Brownie44l1/pneumonia-api/internal/diagnosis"
	"github.com/Brownie44l1/pneumonia-api/internal/inference"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/report"
	"github.com/Brownie44l1/pneumonia-api/internal/saliency"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp"}

type line struct {
	File              string  `json:"file"`
	Diagnosis         string  `json:"diagnosis,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	DisplayConfidence float64 `json:"display_confidence,omitempty"`
	Saliency          string  `json:"saliency,omitempty"`
	Report            string  `json:"report,omitempty"`
	Warning           string  `json:"warning,omitempty"`
	Error             string  `json:"error,omitempty"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	reportDir := flag.String("report-dir", "", "Write one PDF report per image into this directory")
	userType := flag.String("user-type", report.UserDoctor, "User type printed on reports (Doctor or Patient)")
	workers := flag.Int("workers", runtime.NumCPU(), "Images analysed in parallel")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: cxrscan [flags] <image|dir>...")
		os.Exit(2)
	}
	if !report.ValidUserType(*userType) {
		log.Fatalf("Invalid -user-type %q", *userType)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	files, err := collect(flag.Args())
	if err != nil {
		log.Fatalf("Failed to list inputs: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("No images found in %v", flag.Args())
	}

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
	svc := inference.NewService(clf, explainer, inference.Options{
		ExplainNormal: cfg.Saliency.ExplainNormal,
		Smoother:      diagnosis.NewSmoother(cfg.Diagnosis.Smoothing),
	})

	if *reportDir != "" {
		if err := os.MkdirAll(*reportDir, 0o755); err != nil {
			log.Fatalf("Failed to create report directory: %v", err)
		}
	}

	var (
		mu  sync.Mutex
		enc = json.NewEncoder(os.Stdout)
	)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(max(*workers, 1))

	for _, file := range files {
		g.Go(func() error {
			out := scan(ctx, svc, file, *reportDir, *userType)
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(out)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}
}

// scan analyses one file; failures are reported in the line, not returned.
func scan(ctx context.Context, svc *inference.Service, file, reportDir, userType string) line {
	out := line{File: file}

	f, err := os.Open(file)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer f.Close()

	a, err := svc.AnalyzeReader(ctx, f)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Diagnosis = string(a.Result.Label)
	out.Confidence = a.Result.Confidence
	out.DisplayConfidence = a.DisplayConfidence
	out.Warning = a.Warning
	if a.Explanation != nil {
		out.Saliency = a.Explanation.OverlayPath
	}

	if reportDir == "" {
		return out
	}

	rf, path, err := createReport(reportDir, file)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer rf.Close()

	err = report.Build(rf, report.Input{
		UserType:    userType,
		Result:      a.Result,
		Confidence:  a.DisplayConfidence,
		Original:    a.Image,
		OverlayPath: out.Saliency,
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Report = path
	return out
}

// createReport exclusively creates the report file for an input. The name
// keeps the input's extension; inputs sharing a base name from different
// directories get a numeric suffix.
func createReport(dir, file string) (*os.File, string, error) {
	base := filepath.Base(file) + "_report"
	for i := 0; ; i++ {
		name := base + ".pdf"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.pdf", base, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
}

// collect expands directories into the image files they contain.
func collect(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isImage(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
