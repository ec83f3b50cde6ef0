package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// keychainService is the service name secrets are stored under.
const keychainService = "tokdash"

type Config struct {
	API     APIConfig
	Storage StorageConfig
	Sync    SyncConfig
	Server  ServerConfig
	Log     LogConfig
	Watch   WatchConfig
	Export  ExportConfig
}

type APIConfig struct {
	BaseURL string
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	ItemLimit   int
	Upload      bool
	SourcesFile string
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type WatchConfig struct {
	Debounce string
}

type ExportConfig struct {
	Endpoint  string
	Bucket    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://tokdash.dev",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			SourcesFile: filepath.Join(Dir(), "sources.yaml"),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce: "2s",
		},
		Export: ExportConfig{
			Bucket: "tokdash",
			UseSSL: true,
		},
	}
}

// DebounceDuration parses Watch.Debounce, falling back to two seconds.
func (c Config) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// SlogLevel maps Log.Level to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: dev.tokdash.cli) and secrets
// live in the login Keychain. Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/tokdash/config.json and secrets are kept in
// secrets.json under the data directory.
//
// Environment variables (TOKDASH_*) override backend and keychain values on
// all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, kc)
	applyEnvOverrides(&cfg)

	return cfg, nil
}

// keychainStore uses the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

const localTokenAccount = "local_api_token"

// GetLocalToken returns the bearer token guarding the local API, generating
// and storing one on first use.
func GetLocalToken() (string, error) {
	return localTokenWith(keychainStore{})
}

func localTokenWith(kc keychain) (string, error) {
	if tok, err := kc.Get(keychainService, localTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating local API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, localTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing local API token: %w", err)
	}
	return tok, nil
}
