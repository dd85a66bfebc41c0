// Package secrets resolves exchange API credentials through a provider
// abstraction (file or environment variables) so callers never hold a raw
// config struct with inline secret fields.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"

	"marketmaker/internal/config"
)

// Credentials is the API key triplet used to sign trading requests.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
}

// Provider resolves Credentials from some backing store. Implementations
// must never log the resolved value; callers must route it through redact
// before it reaches any slog attribute.
type Provider interface {
	Resolve() (Credentials, error)
}

// NewProvider builds the Provider configured by cfg.Secrets.Provider.
func NewProvider(cfg config.SecretsConfig) (Provider, error) {
	switch cfg.Provider {
	case "file":
		return &fileProvider{path: cfg.CredentialsPath}, nil
	case "env":
		return &envProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// fileProvider reads a JSON credentials file, the way an operator would
// mount a Kubernetes secret or a local dev file outside version control.
type fileProvider struct {
	path string
}

func (p *fileProvider) Resolve() (Credentials, error) {
	if p.path == "" {
		return Credentials{}, fmt.Errorf("secrets.credentials_path is required for the file provider")
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("credentials file missing api_key or api_secret")
	}
	return creds, nil
}

// envProvider reads MM_API_KEY / MM_API_SECRET / MM_PASSPHRASE.
type envProvider struct{}

func (p *envProvider) Resolve() (Credentials, error) {
	creds := Credentials{
		APIKey:     os.Getenv("MM_API_KEY"),
		APISecret:  os.Getenv("MM_API_SECRET"),
		Passphrase: os.Getenv("MM_PASSPHRASE"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("MM_API_KEY and MM_API_SECRET must be set for the env provider")
	}
	return creds, nil
}
