package config

import (
	"os"
	"strings"
	"time"

	"github.com/infinityai/imagine/internal/replicate"
)

type Config struct {
	Server    ServerConfig
	Replicate ReplicateConfig
	Translate TranslateConfig
	Poll      PollConfig
	Storage   StorageConfig
	Archive   ArchiveConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	// AuthToken, when set, is required as a bearer token on every proxy request.
	AuthToken string
}

type ReplicateConfig struct {
	APIToken     string
	BaseURL      string
	ModelVersion string
}

type TranslateConfig struct {
	Enabled  bool
	BaseURL  string
	LangPair string
}

// PollConfig bounds the client poll loop.
type PollConfig struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

type StorageConfig struct {
	DataDir string
}

// ArchiveConfig points at an S3-compatible bucket. Archiving is off unless
// Endpoint and Bucket are both set.
type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

type LogConfig struct {
	Level string
}

const (
	keychainService        = "imagine"
	replicateTokenAccount  = "replicate_api_token"
	archiveSecretAccount   = "archive_secret_key"
	serverAuthTokenAccount = "server_auth_token"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Replicate: ReplicateConfig{
			BaseURL:      "https://api.replicate.com/v1",
			ModelVersion: replicate.DefaultModelVersion,
		},
		Translate: TranslateConfig{
			Enabled:  true,
			BaseURL:  "https://api.mymemory.translated.net",
			LangPair: "my|en",
		},
		Poll: PollConfig{
			Interval:    time.Second,
			Multiplier:  1.0,
			MaxInterval: 5 * time.Second,
			MaxAttempts: 600,
			Timeout:     10 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Archive: ArchiveConfig{
			UseSSL: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.infinityai.imagine) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/imagine/config.json
// and secrets fall back to a secrets file under the data directory.
//
// Environment variables (IMAGINE_*) override backend values on all platforms.
// A missing Replicate token is not an error here; the proxy reports it per
// request.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Replicate.APIToken == "" {
		cfg.Replicate.APIToken = strings.TrimSpace(os.Getenv("REPLICATE_API_TOKEN"))
	}

	fillSecret(kc, replicateTokenAccount, &cfg.Replicate.APIToken)
	fillSecret(kc, archiveSecretAccount, &cfg.Archive.SecretKey)
	fillSecret(kc, serverAuthTokenAccount, &cfg.Server.AuthToken)

	return cfg, nil
}

func fillSecret(kc keychain, account string, dst *string) {
	if *dst != "" {
		return
	}
	if v, err := kc.Get(keychainService, account); err == nil && v != "" {
		*dst = v
	}
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
