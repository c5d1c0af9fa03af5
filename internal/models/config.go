package models

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	Blob      BlobConfig      `yaml:"blob"`
	Inference InferenceConfig `yaml:"inference"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type BlobConfig struct {
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	UseSSL      bool   `yaml:"use_ssl"`
	BaseURL     string `yaml:"base_url"` // public URL prefix, e.g. https://cdn.example.com
	ImageBucket string `yaml:"image_bucket"`
	ModelBucket string `yaml:"model_bucket"`
}

type InferenceConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Async  bool   `yaml:"async"` // poll-based job mode instead of a blocking call
}

type CleanupConfig struct {
	Secret string `yaml:"secret"`
	// AllowInsecure permits running cleanup without a configured secret.
	// Off by default; zero-config deployments must opt in.
	AllowInsecure bool `yaml:"allow_insecure_cleanup"`
}

type LimitsConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxImageWidth  int   `yaml:"max_image_width"`
	MaxImageHeight int   `yaml:"max_image_height"`
	JPEGQuality    int   `yaml:"jpeg_quality"`
	RetentionDays  int   `yaml:"retention_days"` // negative disables expiry, 0 means default
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overlays secrets from the environment (optionally a .env file)
// so credentials stay out of the config file.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("CLEANUP_SECRET"); v != "" {
		c.Cleanup.Secret = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Blob.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Blob.SecretKey = v
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.RetentionDays = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Blob.ImageBucket == "" {
		c.Blob.ImageBucket = "images"
	}
	if c.Blob.ModelBucket == "" {
		c.Blob.ModelBucket = "models"
	}
	if c.Limits.MaxUploadBytes == 0 {
		c.Limits.MaxUploadBytes = 10 << 20
	}
	if c.Limits.MaxImageWidth == 0 {
		c.Limits.MaxImageWidth = 512
	}
	if c.Limits.MaxImageHeight == 0 {
		c.Limits.MaxImageHeight = 512
	}
	if c.Limits.JPEGQuality == 0 {
		c.Limits.JPEGQuality = 80
	}
	if c.Limits.RetentionDays == 0 {
		c.Limits.RetentionDays = 60
	}
}
