package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// suitable for logging. Slices that hold secrets are copied so the original
// is never mutated through the result.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Vault.Passphrase)
	redact(&out.Vault.Salt)

	if cfg.Venues != nil {
		out.Venues = make([]VenueConfig, len(cfg.Venues))
		copy(out.Venues, cfg.Venues)
		for i := range out.Venues {
			redact(&out.Venues[i].APIKey)
			redact(&out.Venues[i].APISecret)
		}
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
