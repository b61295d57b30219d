package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DRIFTWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DRIFTWATCH_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "DRIFTWATCH_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DRIFTWATCH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.judge_model", typ: kString, env: "DRIFTWATCH_OLLAMA_JUDGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.JudgeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.JudgeModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DRIFTWATCH_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRIFTWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DRIFTWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DRIFTWATCH_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "jobs.concurrency", typ: kInt, env: "DRIFTWATCH_JOBS_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Concurrency },
	},
	{
		key: "jobs.poll_interval", typ: kDuration, env: "DRIFTWATCH_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "jobs.claim_timeout", typ: kDuration, env: "DRIFTWATCH_JOBS_CLAIM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ClaimTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.ClaimTimeout },
	},
	{
		key: "jobs.retention_days", typ: kInt, env: "DRIFTWATCH_JOBS_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RetentionDays },
	},
	{
		key: "sources.min_chars", typ: kInt, env: "DRIFTWATCH_SOURCES_MIN_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Sources.MinChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Sources.MinChars },
	},
	{
		key: "sources.embed_batch_size", typ: kInt, env: "DRIFTWATCH_SOURCES_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sources.EmbedBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sources.EmbedBatchSize },
	},
	{
		key: "chunker.max_chars", typ: kInt, env: "DRIFTWATCH_CHUNKER_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunker.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.MaxChars },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "DRIFTWATCH_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "conflict.threshold", typ: kFloat, env: "DRIFTWATCH_CONFLICT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Conflict.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Conflict.Threshold },
	},
	{
		key: "conflict.batch_size", typ: kInt, env: "DRIFTWATCH_CONFLICT_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Conflict.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Conflict.BatchSize },
	},
	{
		key: "conflict.min_confidence", typ: kFloat, env: "DRIFTWATCH_CONFLICT_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Conflict.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Conflict.MinConfidence },
	},
	{
		key: "conflict.judge_rps", typ: kFloat, env: "DRIFTWATCH_CONFLICT_JUDGE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Conflict.JudgeRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Conflict.JudgeRPS },
	},
	{
		key: "conflict.judge_timeout", typ: kDuration, env: "DRIFTWATCH_CONFLICT_JUDGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Conflict.JudgeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conflict.JudgeTimeout },
	},
	{
		key: "impact.summary_max_retries", typ: kInt, env: "DRIFTWATCH_IMPACT_SUMMARY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Impact.SummaryMaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Impact.SummaryMaxRetries },
	},
	{
		key: "impact.summary_retry_delay", typ: kDuration, env: "DRIFTWATCH_IMPACT_SUMMARY_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Impact.SummaryRetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Impact.SummaryRetryDelay },
	},
	{
		key: "health.cooldown", typ: kDuration, env: "DRIFTWATCH_HEALTH_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Health.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Health.Cooldown },
	},
	{
		key: "health.weights.source_drift", typ: kFloat, env: "DRIFTWATCH_HEALTH_WEIGHTS_SOURCE_DRIFT",
		apply:   func(cfg *Config, v any) { cfg.Health.SourceDrift = v.(float64) },
		extract: func(cfg Config) any { return cfg.Health.SourceDrift },
	},
	{
		key: "health.weights.evidence_coverage", typ: kFloat, env: "DRIFTWATCH_HEALTH_WEIGHTS_EVIDENCE_COVERAGE",
		apply:   func(cfg *Config, v any) { cfg.Health.EvidenceCoverage = v.(float64) },
		extract: func(cfg Config) any { return cfg.Health.EvidenceCoverage },
	},
	{
		key: "health.weights.qa_pass_rate", typ: kFloat, env: "DRIFTWATCH_HEALTH_WEIGHTS_QA_PASS_RATE",
		apply:   func(cfg *Config, v any) { cfg.Health.QAPassRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Health.QAPassRate },
	},
	{
		key: "health.weights.delivery_feedback", typ: kFloat, env: "DRIFTWATCH_HEALTH_WEIGHTS_DELIVERY_FEEDBACK",
		apply:   func(cfg *Config, v any) { cfg.Health.DeliveryFeedback = v.(float64) },
		extract: func(cfg Config) any { return cfg.Health.DeliveryFeedback },
	},
	{
		key: "health.weights.source_age", typ: kFloat, env: "DRIFTWATCH_HEALTH_WEIGHTS_SOURCE_AGE",
		apply:   func(cfg *Config, v any) { cfg.Health.SourceAge = v.(float64) },
		extract: func(cfg Config) any { return cfg.Health.SourceAge },
	},
	{
		key: "notify.email_hourly_limit", typ: kInt, env: "DRIFTWATCH_NOTIFY_EMAIL_HOURLY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Notify.EmailHourlyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.EmailHourlyLimit },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "DRIFTWATCH_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
}

// parse converts raw text to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", s.key, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
