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
		key: "server.port", typ: kInt, env: "IMAGINE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "IMAGINE_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.auth_token", typ: kString, env: "IMAGINE_SERVER_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "replicate.api_token", typ: kString, env: "IMAGINE_REPLICATE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Replicate.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Replicate.APIToken },
	},
	{
		key: "replicate.base_url", typ: kString, env: "IMAGINE_REPLICATE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Replicate.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Replicate.BaseURL },
	},
	{
		key: "replicate.model_version", typ: kString, env: "IMAGINE_REPLICATE_MODEL_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Replicate.ModelVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Replicate.ModelVersion },
	},
	{
		key: "translate.enabled", typ: kBool, env: "IMAGINE_TRANSLATE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Translate.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Translate.Enabled },
	},
	{
		key: "translate.base_url", typ: kString, env: "IMAGINE_TRANSLATE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Translate.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Translate.BaseURL },
	},
	{
		key: "translate.lang_pair", typ: kString, env: "IMAGINE_TRANSLATE_LANG_PAIR",
		apply:   func(cfg *Config, v any) { cfg.Translate.LangPair = v.(string) },
		extract: func(cfg Config) any { return cfg.Translate.LangPair },
	},
	{
		key: "poll.interval", typ: kDuration, env: "IMAGINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.multiplier", typ: kFloat, env: "IMAGINE_POLL_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Poll.Multiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Poll.Multiplier },
	},
	{
		key: "poll.max_interval", typ: kDuration, env: "IMAGINE_POLL_MAX_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.MaxInterval },
	},
	{
		key: "poll.max_attempts", typ: kInt, env: "IMAGINE_POLL_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.MaxAttempts },
	},
	{
		key: "poll.timeout", typ: kDuration, env: "IMAGINE_POLL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Poll.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Poll.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IMAGINE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "archive.endpoint", typ: kString, env: "IMAGINE_ARCHIVE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Archive.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Endpoint },
	},
	{
		key: "archive.bucket", typ: kString, env: "IMAGINE_ARCHIVE_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Archive.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Bucket },
	},
	{
		key: "archive.access_key", typ: kString, env: "IMAGINE_ARCHIVE_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Archive.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.AccessKey },
	},
	{
		key: "archive.secret_key", typ: kString, env: "IMAGINE_ARCHIVE_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Archive.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.SecretKey },
	},
	{
		key: "archive.use_ssl", typ: kBool, env: "IMAGINE_ARCHIVE_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Archive.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Archive.UseSSL },
	},
	{
		key: "log.level", typ: kString, env: "IMAGINE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive, got %s", raw)
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if v, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}
