// Package config loads and validates the fieldsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file. They may
// also be set in a .env file next to the config file.
const (
	EnvAPIURL   = "FIELDSYNC_API_URL"
	EnvAPIToken = "FIELDSYNC_API_TOKEN"
	EnvDataDir  = "FIELDSYNC_DATA_DIR"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 1
	maxMaxAttempts        = 5
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the field-data backend (e.g. "https://api.example.com/v1").
	APIURL string `yaml:"api_url"`

	// APIToken is the bearer token presented to the backend.
	APIToken string `yaml:"api_token,omitempty"`

	// TokenFile names a file holding the current token. It is re-read
	// whenever the server rejects the token, so an external login helper
	// can rotate it. At least one of APIToken and TokenFile is required.
	TokenFile string `yaml:"token_file,omitempty"`

	// DataDir holds the local database, the watermark and the pictures
	// tree. Defaults to ~/.local/share/fieldsync.
	DataDir string `yaml:"data_dir,omitempty"`

	// RequestTimeout bounds every network call. Minimum 1s, maximum 5m.
	// Defaults to 30s if unset.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// MaxAttempts enables automatic retries of failed network calls.
	// Defaults to 1 (no retries), maximum 5.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Upload sets the resize hint sent with every photo.
	Upload UploadConfig `yaml:"upload,omitempty"`

	// ObjectStorage, when present, stores photos directly in an
	// S3-compatible bucket instead of the backend's image endpoint.
	ObjectStorage *ObjectStorageConfig `yaml:"object_storage,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// UploadConfig holds the target photo dimensions. Zero disables resizing.
type UploadConfig struct {
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`
}

// ObjectStorageConfig configures an S3-compatible photo bucket.
type ObjectStorageConfig struct {
	// Endpoint is host[:port] without scheme (e.g. "s3.eu-central-1.amazonaws.com").
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Region skips the bucket location lookup when set (e.g. "eu-central-1").
	Region string `yaml:"region,omitempty"`

	// PublicURL is the base under which objects are readable. When empty,
	// presigned URLs are stored instead.
	PublicURL string `yaml:"public_url,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "fieldsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/fieldsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "fieldsync", "config.yaml"), nil
}

// DefaultDataDir returns ~/.local/share/fieldsync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "fieldsync"), nil
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. A .env file in the same directory is loaded
// first; variables already set in the process environment win.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %q: %w", envFile, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it to path with owner-only permissions,
// creating the parent directory.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("saving config to %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.APIToken == "" && c.TokenFile == "" {
		return fmt.Errorf("api_token or token_file is required")
	}

	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("request_timeout %v is too short (minimum 1s)", c.RequestTimeout)
	}
	if c.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request_timeout %v is too long (maximum 5m)", c.RequestTimeout)
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > maxMaxAttempts {
		return fmt.Errorf("max_attempts %d must be between 1 and %d", c.MaxAttempts, maxMaxAttempts)
	}

	if c.Upload.Width < 0 || c.Upload.Height < 0 {
		return fmt.Errorf("upload dimensions must not be negative")
	}
	if (c.Upload.Width == 0) != (c.Upload.Height == 0) {
		return fmt.Errorf("upload.width and upload.height must be set together")
	}

	if s := c.ObjectStorage; s != nil {
		if s.Endpoint == "" || s.Bucket == "" {
			return fmt.Errorf("object_storage.endpoint and object_storage.bucket are required when object storage is configured")
		}
		if s.AccessKey == "" || s.SecretKey == "" {
			return fmt.Errorf("object_storage.access_key and object_storage.secret_key are required")
		}
		if s.PublicURL != "" {
			if _, err := url.ParseRequestURI(s.PublicURL); err != nil {
				return fmt.Errorf("object_storage.public_url %q is not a valid URL", s.PublicURL)
			}
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
