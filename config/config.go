package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type DetectorConfig struct {
	Backend        string   `yaml:"backend"`
	InferenceURL   string   `yaml:"inferenceURL"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	ModelPath      string   `yaml:"modelPath"`
	NamesFile      string   `yaml:"namesFile"`
	Names          []string `yaml:"names"`
	Conf           float32  `yaml:"conf"`
	Iou            float32  `yaml:"iou"`
	InputSize      int      `yaml:"inputSize"`
	InputName      string   `yaml:"inputName"`
	OutputName     string   `yaml:"outputName"`
	OnnxLibPath    string   `yaml:"onnxLibPath"`
}

type AzureConfig struct {
	// ServiceURL overrides the public endpoint, e.g. an Azurite emulator.
	ServiceURL  string `yaml:"serviceURL"`
	AccountName string `yaml:"accountName"`
	AccountKey  string `yaml:"accountKey"`
	Container   string `yaml:"container"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Azure   AzureConfig `yaml:"azure"`
}

type Config struct {
	HTTPPort      int            `yaml:"httpPort"`
	PublicBaseURL string         `yaml:"publicBaseURL"`
	OutputDir     string         `yaml:"outputDir"`
	MaxUploadMB   int64          `yaml:"maxUploadMB"`
	MetricsPort   int            `yaml:"metricsPort"`
	GRPCPort      int            `yaml:"grpcPort"`
	LogMode       string         `yaml:"logMode"`
	CORSOrigins   []string       `yaml:"corsOrigins"`
	DedupeIoU     float32        `yaml:"dedupeIoU"`
	ClassValues   map[string]int `yaml:"classValues"`
	Detector      DetectorConfig `yaml:"detector"`
	Storage       StorageConfig  `yaml:"storage"`
}

// DefaultCORSOrigins 本地前端开发服务器
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
	"http://localhost:3000",
}

// Load 读取 yaml 配置文件，填充默认值并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8000
	}
	if c.OutputDir == "" {
		c.OutputDir = "outputs"
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = 20
	}
	if c.LogMode == "" {
		c.LogMode = "production"
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = append([]string(nil), DefaultCORSOrigins...)
	}
	if c.DedupeIoU == 0 {
		c.DedupeIoU = 0.45
	}
	d := &c.Detector
	if d.Backend == "" {
		d.Backend = "remote"
	}
	if d.InferenceURL == "" {
		d.InferenceURL = "http://127.0.0.1:5000/predict"
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = 30
	}
	if d.Conf == 0 {
		d.Conf = 0.25
	}
	if d.Iou == 0 {
		d.Iou = 0.45
	}
	if d.InputSize == 0 {
		d.InputSize = 640
	}
	if d.InputName == "" {
		d.InputName = "images"
	}
	if d.OutputName == "" {
		d.OutputName = "output0"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func (c *Config) Validate() error {
	if !validPort(c.HTTPPort) {
		return fmt.Errorf("invalid httpPort: %d", c.HTTPPort)
	}
	if c.MetricsPort != 0 && !validPort(c.MetricsPort) {
		return fmt.Errorf("invalid metricsPort: %d", c.MetricsPort)
	}
	if c.GRPCPort != 0 && !validPort(c.GRPCPort) {
		return fmt.Errorf("invalid grpcPort: %d", c.GRPCPort)
	}
	if c.MaxUploadMB < 0 {
		return fmt.Errorf("maxUploadMB must be > 0 (got %d)", c.MaxUploadMB)
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("corsOrigins cannot be empty")
	}
	for _, o := range c.CORSOrigins {
		if o == "*" {
			return fmt.Errorf("corsOrigins cannot contain * when credentials are allowed")
		}
	}
	if c.LogMode != "production" && c.LogMode != "development" {
		return fmt.Errorf("invalid logMode: %q", c.LogMode)
	}
	if c.PublicBaseURL != "" && !strings.HasPrefix(c.PublicBaseURL, "http://") && !strings.HasPrefix(c.PublicBaseURL, "https://") {
		return fmt.Errorf("publicBaseURL must be absolute: %q", c.PublicBaseURL)
	}
	if c.DedupeIoU < 0 || c.DedupeIoU > 1 {
		return fmt.Errorf("dedupeIoU must be between 0.0 and 1.0, got %f", c.DedupeIoU)
	}
	d := c.Detector
	if d.Conf < 0 || d.Conf > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", d.Conf)
	}
	if d.Iou < 0 || d.Iou > 1 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", d.Iou)
	}
	switch d.Backend {
	case "remote":
		if d.InferenceURL == "" {
			return fmt.Errorf("detector.inferenceURL cannot be empty")
		}
	case "onnx":
		if d.ModelPath == "" {
			return fmt.Errorf("model path cannot be empty")
		}
		if !strings.HasSuffix(d.ModelPath, ".onnx") {
			return fmt.Errorf("onnx backend only supports .onnx, got %s", d.ModelPath)
		}
		if d.NamesFile == "" && len(d.Names) == 0 {
			return fmt.Errorf("onnx backend needs names or namesFile")
		}
		if d.InputSize%32 != 0 {
			return fmt.Errorf("inputSize must be a multiple of 32, got %d", d.InputSize)
		}
	default:
		return fmt.Errorf("unsupported backend: %s", d.Backend)
	}
	switch c.Storage.Backend {
	case "local":
	case "azure":
		a := c.Storage.Azure
		if a.AccountName == "" || a.AccountKey == "" || a.Container == "" {
			return fmt.Errorf("azure storage needs accountName, accountKey and container")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	return nil
}

func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
