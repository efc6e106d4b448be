package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config file.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// notifyBackend selects the event transport: redis, amqp or none.
	NotifyBackend  string `yaml:"notifyBackend"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisDB        int    `yaml:"redisDB"`
	DocumentStream string `yaml:"documentStream"`
	ImageStream    string `yaml:"imageStream"`
	AutotagStream  string `yaml:"autotagStream"`
	AMQPURL        string `yaml:"amqpURL"`
	AMQPExchange   string `yaml:"amqpExchange"`

	PresignExpiryMinutes  int `yaml:"presignExpiryMinutes"`
	StallThresholdMinutes int `yaml:"stallThresholdMinutes"`
	ReaperIntervalMinutes int `yaml:"reaperIntervalMinutes"`
	MaxUploadMB           int `yaml:"maxUploadMB"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("NOTIFY_BACKEND"); v != "" {
		cfg.NotifyBackend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	if v := os.Getenv("DATA_PRESIGN_EXPIRY_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PresignExpiryMinutes = n
		}
	}
	if v := os.Getenv("DATA_STALL_THRESHOLD_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StallThresholdMinutes = n
		}
	}
	if v := os.Getenv("DATA_REAPER_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReaperIntervalMinutes = n
		}
	}
	if v := os.Getenv("DATA_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxUploadMB = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	switch cfg.NotifyBackend {
	case "", "none":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when notifyBackend=redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required when notifyBackend=amqp")
		}
	default:
		return fmt.Errorf("config: unknown notifyBackend %q (redis, amqp or none)", cfg.NotifyBackend)
	}
	if cfg.PresignExpiryMinutes < 0 {
		return errors.New("config: presignExpiryMinutes must be >= 0")
	}
	if cfg.StallThresholdMinutes < 0 {
		return errors.New("config: stallThresholdMinutes must be >= 0")
	}
	if cfg.ReaperIntervalMinutes < 0 {
		return errors.New("config: reaperIntervalMinutes must be >= 0")
	}
	if cfg.MaxUploadMB < 0 {
		return errors.New("config: maxUploadMB must be >= 0")
	}
	return nil
}
