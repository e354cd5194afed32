// Package config provides the configuration structure for the avatar-service.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Storage backend types for remote mode.
const (
	StorageTypeAPI  = "api"
	StorageTypeS3   = "s3"
	StorageTypeNATS = "nats"
)

// Registry drivers.
const (
	DriverNATS     = "nats"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Reconcile modes applied to a finished artifact when the job is remote.
const (
	ReconcileKeepLocal = "keep_local"
	ReconcileTransient = "transient"
	ReconcileReupload  = "reupload"
)

var (
	// ErrDataRootEmpty indicates that no data root was configured.
	ErrDataRootEmpty = errors.New("storage.data_root cannot be empty")
	// ErrUnknownStorageType indicates an unsupported remote storage type.
	ErrUnknownStorageType = errors.New("unknown storage type")
	// ErrUnknownDriver indicates an unsupported registry driver.
	ErrUnknownDriver = errors.New("unknown database driver")
	// ErrUnknownReconcileMode indicates an unsupported reconcile mode.
	ErrUnknownReconcileMode = errors.New("unknown reconcile mode")
	// ErrServiceURLEmpty indicates that an inference service URL is missing.
	ErrServiceURLEmpty = errors.New("service url cannot be empty")
	// ErrNATSURLEmpty indicates that a NATS-backed component has no server URL.
	ErrNATSURLEmpty = errors.New("nats.url cannot be empty")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                string `toml:"url"`
	JobStatusSubject   string `toml:"job_status_subject"`
	JobSubmitSubject   string `toml:"job_submit_subject"`
	ArtifactBucket     string `toml:"artifact_bucket"`
	RegistryBucket     string `toml:"registry_bucket"`
	PublishStatusEvent bool   `toml:"publish_status_events"`
}

// StorageConfig selects and configures the artifact backends.
type StorageConfig struct {
	RemoteEnabled bool   `toml:"remote_enabled"`
	Type          string `toml:"type"`
	DataRoot      string `toml:"data_root"`
	APIEndpoint   string `toml:"api_endpoint"`
	Endpoint      string `toml:"endpoint"`
	Region        string `toml:"region"`
	Bucket        string `toml:"bucket"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	RetryAttempts int    `toml:"retry_attempts"`
}

// ServicesConfig locates the inference services.
type ServicesConfig struct {
	Face2FaceURL   string `toml:"face2face_url"`
	TTSURL         string `toml:"tts_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// OrchestratorConfig tunes the job scheduler.
type OrchestratorConfig struct {
	PollIntervalMillis      int     `toml:"poll_interval_ms"`
	Development             bool    `toml:"development"`
	MockDuration            float64 `toml:"mock_duration"`
	ReconcileMode           string  `toml:"reconcile_mode"`
	StalePendingWarnSeconds int     `toml:"stale_pending_warn_seconds"`
	Language                string  `toml:"language"`
}

// DatabaseConfig selects the registry implementation.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// HTTPConfig holds the operator API listener.
type HTTPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
// ImportDir and ExportDir bound the source and destination paths that API
// and NATS clients may name.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	ImportDir   string `toml:"import_dir"`
	ExportDir   string `toml:"export_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS         NATSConfig         `toml:"nats"`
	Storage      StorageConfig      `toml:"storage"`
	Services     ServicesConfig     `toml:"services"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Database     DatabaseConfig     `toml:"database"`
	HTTP         HTTPConfig         `toml:"http"`
	Paths        PathsConfig        `toml:"paths"`
}

// Layout is the directory structure under the data root. Both backends see
// the same layout so remote keys are paths relative to DataRoot.
type Layout struct {
	DataRoot   string
	Model      string
	TTSProduct string
	TTSRoot    string
	TTSTrain   string
}

// NewLayout derives the artifact directories from a data root.
func NewLayout(dataRoot string) Layout {
	temp := filepath.Join(dataRoot, "heygem_data", "face2face", "temp")
	ttsRoot := filepath.Join(dataRoot, "heygem_data", "voice", "data")

	return Layout{
		DataRoot:   dataRoot,
		Model:      temp,
		TTSProduct: temp,
		TTSRoot:    ttsRoot,
		TTSTrain:   filepath.Join(ttsRoot, "origin_audio"),
	}
}

// ModelFile resolves a model video path stored relative to the model directory.
func (l Layout) ModelFile(rel string) string {
	return filepath.Join(l.Model, filepath.FromSlash(rel))
}

// VoiceFile resolves a training audio path stored relative to the TTS root.
func (l Layout) VoiceFile(rel string) string {
	return filepath.Join(l.TTSRoot, filepath.FromSlash(rel))
}

// ProductFile resolves a rendered audio file name stored relative to the TTS product directory.
func (l Layout) ProductFile(rel string) string {
	return filepath.Join(l.TTSProduct, filepath.FromSlash(rel))
}

// Load loads the configuration for the avatar-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageTypeAPI
	}

	if c.Storage.RetryAttempts <= 0 {
		c.Storage.RetryAttempts = 3
	}

	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}

	if c.Services.TimeoutSeconds <= 0 {
		c.Services.TimeoutSeconds = 60
	}

	if c.Orchestrator.PollIntervalMillis <= 0 {
		c.Orchestrator.PollIntervalMillis = 2000
	}

	if c.Orchestrator.MockDuration <= 0 {
		c.Orchestrator.MockDuration = 88
	}

	if c.Orchestrator.ReconcileMode == "" {
		c.Orchestrator.ReconcileMode = ReconcileKeepLocal
	}

	if c.Orchestrator.Language == "" {
		c.Orchestrator.Language = "zh"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverNATS
	}

	if c.NATS.JobStatusSubject == "" {
		c.NATS.JobStatusSubject = "avatar.job.status"
	}

	if c.NATS.JobSubmitSubject == "" {
		c.NATS.JobSubmitSubject = "avatar.job.submit"
	}

	if c.NATS.RegistryBucket == "" {
		c.NATS.RegistryBucket = "AVATAR_REGISTRY"
	}

	if c.NATS.ArtifactBucket == "" {
		c.NATS.ArtifactBucket = "AVATAR_ARTIFACTS"
	}

	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "127.0.0.1:8080"
	}

	if c.Paths.ImportDir == "" && c.Storage.DataRoot != "" {
		c.Paths.ImportDir = filepath.Join(c.Storage.DataRoot, "import")
	}

	if c.Paths.ExportDir == "" && c.Storage.DataRoot != "" {
		c.Paths.ExportDir = filepath.Join(c.Storage.DataRoot, "export")
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Storage.DataRoot == "" {
		return ErrDataRootEmpty
	}

	switch c.Storage.Type {
	case StorageTypeAPI, StorageTypeS3:
	case StorageTypeNATS:
		if c.Storage.RemoteEnabled && c.NATS.URL == "" {
			return ErrNATSURLEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageType, c.Storage.Type)
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	case DriverNATS:
		if c.NATS.URL == "" {
			return ErrNATSURLEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Database.Driver)
	}

	switch c.Orchestrator.ReconcileMode {
	case ReconcileKeepLocal, ReconcileTransient, ReconcileReupload:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownReconcileMode, c.Orchestrator.ReconcileMode)
	}

	if c.Services.Face2FaceURL == "" {
		return fmt.Errorf("%w: face2face_url", ErrServiceURLEmpty)
	}

	if c.Services.TTSURL == "" {
		return fmt.Errorf("%w: tts_url", ErrServiceURLEmpty)
	}

	return nil
}

// Layout returns the artifact directory layout for the configured data root.
func (c *Config) Layout() Layout {
	return NewLayout(c.Storage.DataRoot)
}

// PollInterval returns the scheduler tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Orchestrator.PollIntervalMillis) * time.Millisecond
}

// ServiceTimeout returns the HTTP timeout for inference service calls.
func (c *Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Services.TimeoutSeconds) * time.Second
}

// StalePendingWarn returns how long a job may stay pending before a warning is logged.
// Zero disables the warning.
func (c *Config) StalePendingWarn() time.Duration {
	return time.Duration(c.Orchestrator.StalePendingWarnSeconds) * time.Second
}
