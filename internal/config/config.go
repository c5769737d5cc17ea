package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/pneumonia-api/internal/diagnosis"
)

// Config holds the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Saliency  SaliencyConfig  `yaml:"saliency"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Report    ReportConfig    `yaml:"report"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`             // HTTP listen address, e.g. ":8080"
	MaxUploadBytes int64  `yaml:"max_upload_bytes"` // multipart limit for uploads
}

type ModelConfig struct {
	Backend           string `yaml:"backend"` // onnx | native
	Path              string `yaml:"path"`
	MetadataPath      string `yaml:"metadata_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`
}

type SaliencyConfig struct {
	Method         string  `yaml:"method"` // auto | gradient | occlusion
	OutputDir      string  `yaml:"output_dir"`
	OverlaySize    int     `yaml:"overlay_size"`
	Alpha          float64 `yaml:"alpha"`
	OcclusionPatch int     `yaml:"occlusion_patch"`
	ExplainNormal  bool    `yaml:"explain_normal"`
	Caption        string  `yaml:"caption"`
}

type DiagnosisConfig struct {
	Smoothing diagnosis.Smoothing `yaml:"smoothing"`
}

type ReportConfig struct {
	PreviewDPI int `yaml:"preview_dpi"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 10 << 20,
		},
		Model: ModelConfig{
			Backend:      "onnx",
			Path:         "models/pneumonia_model.onnx",
			MetadataPath: "models/model_metadata.json",
		},
		Saliency: SaliencyConfig{
			Method:         "auto",
			OutputDir:      "saliency_outputs",
			OverlaySize:    600,
			Alpha:          0.5,
			OcclusionPatch: 16,
		},
		Diagnosis: DiagnosisConfig{
			Smoothing: diagnosis.DefaultSmoothing(),
		},
		Report: ReportConfig{
			PreviewDPI: 100,
		},
	}
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if path := os.Getenv("MODEL_PATH"); path != "" {
		cfg.Model.Path = path
	}
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
		cfg.Model.SharedLibraryPath = path
	}
}

func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = def.Server.MaxUploadBytes
	}
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = def.Model.Backend
	}
	if cfg.Saliency.Method == "" {
		cfg.Saliency.Method = def.Saliency.Method
	}
	if cfg.Saliency.OutputDir == "" {
		cfg.Saliency.OutputDir = def.Saliency.OutputDir
	}
	if cfg.Saliency.OverlaySize <= 0 {
		cfg.Saliency.OverlaySize = def.Saliency.OverlaySize
	}
	if cfg.Saliency.Alpha <= 0 {
		cfg.Saliency.Alpha = def.Saliency.Alpha
	}
	if cfg.Saliency.OcclusionPatch <= 0 {
		cfg.Saliency.OcclusionPatch = def.Saliency.OcclusionPatch
	}
	if cfg.Report.PreviewDPI <= 0 {
		cfg.Report.PreviewDPI = def.Report.PreviewDPI
	}
}
