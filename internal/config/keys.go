package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "TOKDASH_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.token", typ: kString, env: "TOKDASH_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TOKDASH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.item_limit", typ: kInt, env: "TOKDASH_SYNC_ITEM_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Sync.ItemLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.ItemLimit },
	},
	{
		key: "sync.upload", typ: kBool, env: "TOKDASH_SYNC_UPLOAD",
		apply:   func(cfg *Config, v any) { cfg.Sync.Upload = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.Upload },
	},
	{
		key: "sync.sources_file", typ: kString, env: "TOKDASH_SYNC_SOURCES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Sync.SourcesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.SourcesFile },
	},
	{
		key: "server.port", typ: kInt, env: "TOKDASH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "TOKDASH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "watch.debounce", typ: kString, env: "TOKDASH_WATCH_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Watch.Debounce = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.Debounce },
	},
	{
		key: "export.endpoint", typ: kString, env: "TOKDASH_EXPORT_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Export.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.Endpoint },
	},
	{
		key: "export.bucket", typ: kString, env: "TOKDASH_EXPORT_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Export.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.Bucket },
	},
	{
		key: "export.use_ssl", typ: kBool, env: "TOKDASH_EXPORT_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Export.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Export.UseSSL },
	},
	{
		key: "export.access_key", typ: kString, env: "TOKDASH_EXPORT_ACCESS_KEY",
		secret: true, account: "export_access_key",
		apply:   func(cfg *Config, v any) { cfg.Export.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.AccessKey },
	},
	{
		key: "export.secret_key", typ: kString, env: "TOKDASH_EXPORT_SECRET_KEY",
		secret: true, account: "export_secret_key",
		apply:   func(cfg *Config, v any) { cfg.Export.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.SecretKey },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("could not parse bool from config key, using default", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("could not parse bool from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
