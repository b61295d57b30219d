// Package config resolves driftwatch settings from defaults, a YAML file
// and DRIFTWATCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Storage  StorageConfig
	Log      LogConfig
	Jobs     JobsConfig
	Sources  SourcesConfig
	Chunker  ChunkerConfig
	Conflict ConflictConfig
	Impact   ImpactConfig
	Health   HealthConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken guards the HTTP API. It is only read from the environment.
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	JudgeModel string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type JobsConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	ClaimTimeout  time.Duration
	RetentionDays int
}

type SourcesConfig struct {
	MinChars       int
	EmbedBatchSize int
}

type ChunkerConfig struct {
	MaxChars int
	Overlap  int
}

type ConflictConfig struct {
	Threshold     float64
	BatchSize     int
	MinConfidence float64
	JudgeRPS      float64
	JudgeTimeout  time.Duration
}

type ImpactConfig struct {
	SummaryMaxRetries int
	SummaryRetryDelay time.Duration
}

type HealthConfig struct {
	Cooldown         time.Duration
	SourceDrift      float64
	EvidenceCoverage float64
	QAPassRate       float64
	DeliveryFeedback float64
	SourceAge        float64
}

type NotifyConfig struct {
	EmailHourlyLimit int
	WebhookURL       string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100, MCPPort: 4101},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			JudgeModel: "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info", Format: "text"},
		Jobs: JobsConfig{
			Concurrency:   4,
			PollInterval:  time.Second,
			ClaimTimeout:  5 * time.Minute,
			RetentionDays: 7,
		},
		Sources: SourcesConfig{MinChars: 20, EmbedBatchSize: 16},
		Chunker: ChunkerConfig{MaxChars: 1000, Overlap: 200},
		Conflict: ConflictConfig{
			Threshold:     0.85,
			BatchSize:     10,
			MinConfidence: 0.5,
			JudgeRPS:      2,
			JudgeTimeout:  60 * time.Second,
		},
		Impact: ImpactConfig{SummaryMaxRetries: 3, SummaryRetryDelay: 30 * time.Second},
		Health: HealthConfig{
			Cooldown:         60 * time.Second,
			SourceDrift:      0.30,
			EvidenceCoverage: 0.25,
			QAPassRate:       0.20,
			DeliveryFeedback: 0.15,
			SourceAge:        0.10,
		},
		Notify: NotifyConfig{EmailHourlyLimit: 10},
	}
}

// Load reads the YAML file at ConfigFilePath, applies DRIFTWATCH_* overrides
// and validates the result.
func Load() (Config, error) {
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MCPPort < 0 || c.Server.MCPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.mcp_port %d out of range", c.Server.MCPPort))
	}
	if c.Conflict.Threshold <= 0 || c.Conflict.Threshold > 1 {
		errs = append(errs, fmt.Errorf("conflict.threshold %v must be in (0, 1]", c.Conflict.Threshold))
	}
	if c.Conflict.MinConfidence < 0 || c.Conflict.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("conflict.min_confidence %v must be in [0, 1]", c.Conflict.MinConfidence))
	}
	if c.Chunker.Overlap >= c.Chunker.MaxChars {
		errs = append(errs, fmt.Errorf("chunker.overlap %d must be below chunker.max_chars %d", c.Chunker.Overlap, c.Chunker.MaxChars))
	}
	for _, w := range []float64{c.Health.SourceDrift, c.Health.EvidenceCoverage, c.Health.QAPassRate, c.Health.DeliveryFeedback, c.Health.SourceAge} {
		if w < 0 {
			errs = append(errs, errors.New("health weights must be non-negative"))
			break
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
