package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Vision    VisionConfig    `yaml:"vision"`
	Verify    VerifyConfig    `yaml:"verify"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	OCR       OCRConfig       `yaml:"ocr"`
	Queue     QueueConfig     `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	ONNXLibPath        string  `yaml:"onnx_lib_path"` // empty: platform default name
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MaxImageDim        int     `yaml:"max_image_dim"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
}

// VerifyConfig holds the tunable policy of the scan decision path.
type VerifyConfig struct {
	MatchThreshold float64       `yaml:"match_threshold"`
	CandidateCap   int           `yaml:"candidate_cap"`
	EmbedTimeout   time.Duration `yaml:"embed_timeout"`
	RefreshMargin  float64       `yaml:"refresh_margin"`
}

type ReconcileConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	OCRTimeout  time.Duration `yaml:"ocr_timeout"`
}

type OCRConfig struct {
	GeminiAPIKey   string `yaml:"gemini_api_key"`
	GeminiModel    string `yaml:"gemini_model"`
	TesseractPath  string `yaml:"tesseract_path"`
	TesseractLang  string `yaml:"tesseract_lang"`
	TessdataDir    string `yaml:"tessdata_dir"`
	MaxImageDim    int    `yaml:"max_image_dim"`
	GrayscaleInput bool   `yaml:"grayscale_input"`
}

type QueueConfig struct {
	RelayInterval time.Duration `yaml:"relay_interval"`
	AckWait       time.Duration `yaml:"ack_wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A missing file is not an error: defaults and the environment are enough to run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "gatepass"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MaxImageDim == 0 {
		cfg.Vision.MaxImageDim = 640
	}
	if cfg.Vision.EmbeddingDim == 0 {
		cfg.Vision.EmbeddingDim = 512
	}
	if cfg.Verify.MatchThreshold == 0 {
		cfg.Verify.MatchThreshold = 0.35
	}
	if cfg.Verify.CandidateCap == 0 {
		cfg.Verify.CandidateCap = 50
	}
	if cfg.Verify.EmbedTimeout == 0 {
		cfg.Verify.EmbedTimeout = 2 * time.Second
	}
	if cfg.Verify.RefreshMargin == 0 {
		cfg.Verify.RefreshMargin = 0.05
	}
	if cfg.Reconcile.Workers == 0 {
		cfg.Reconcile.Workers = 2
	}
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = 3
	}
	if cfg.Reconcile.BackoffBase == 0 {
		cfg.Reconcile.BackoffBase = 5 * time.Second
	}
	if cfg.Reconcile.BackoffMax == 0 {
		cfg.Reconcile.BackoffMax = 5 * time.Minute
	}
	if cfg.Reconcile.OCRTimeout == 0 {
		cfg.Reconcile.OCRTimeout = 30 * time.Second
	}
	if cfg.OCR.GeminiModel == "" {
		cfg.OCR.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.OCR.TesseractPath == "" {
		cfg.OCR.TesseractPath = "tesseract"
	}
	if cfg.OCR.TesseractLang == "" {
		cfg.OCR.TesseractLang = "ara_number"
	}
	if cfg.OCR.MaxImageDim == 0 {
		cfg.OCR.MaxImageDim = 1600
	}
	if cfg.Queue.RelayInterval == 0 {
		cfg.Queue.RelayInterval = 10 * time.Second
	}
	if cfg.Queue.AckWait == 0 {
		cfg.Queue.AckWait = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GP_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("GP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("GP_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("GP_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("GP_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("GP_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("GP_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("GP_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("GP_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("GP_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("GP_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("GP_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("GP_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("GP_ONNX_LIB"); v != "" {
		cfg.Vision.ONNXLibPath = v
	}
	if v := os.Getenv("GP_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Verify.MatchThreshold = f
		}
	}
	if v := os.Getenv("GP_CANDIDATE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Verify.CandidateCap = n
		}
	}
	if v := os.Getenv("GP_RECONCILE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.Workers = n
		}
	}
	if v := os.Getenv("GP_RECONCILE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.MaxAttempts = n
		}
	}
	if v := os.Getenv("GP_GEMINI_API_KEY"); v != "" {
		cfg.OCR.GeminiAPIKey = v
	}
	if v := os.Getenv("GP_TESSERACT_PATH"); v != "" {
		cfg.OCR.TesseractPath = v
	}
	if v := os.Getenv("GP_TESSDATA_DIR"); v != "" {
		cfg.OCR.TessdataDir = v
	}
	if v := os.Getenv("GP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
