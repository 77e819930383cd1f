package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Feed.Symbols = append([]string(nil), cfg.Feed.Symbols...)
	out.Aggregator.OffenseAgents = append([]string(nil), cfg.Aggregator.OffenseAgents...)
	out.Aggregator.ContextAgents = append([]string(nil), cfg.Aggregator.ContextAgents...)
	if cfg.Aggregator.Weights != nil {
		out.Aggregator.Weights = make(map[string]float64, len(cfg.Aggregator.Weights))
		for k, v := range cfg.Aggregator.Weights {
			out.Aggregator.Weights[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
