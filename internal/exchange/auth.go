package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"marketmaker/internal/secrets"
)

// Auth signs every authenticated request with HMAC-SHA256 over
// "timestamp + method + path [+ body]". This adapter is exchange-agnostic
// and resolves credentials through a secrets.Provider rather than holding
// a signing wallet directly.
type Auth struct {
	mu    sync.RWMutex
	creds secrets.Credentials
}

// NewAuth resolves credentials once at startup via the given provider.
func NewAuth(provider secrets.Provider) (*Auth, error) {
	creds, err := provider.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return &Auth{creds: creds}, nil
}

// HasCredentials reports whether usable credentials are loaded.
func (a *Auth) HasCredentials() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.APIKey != "" && a.creds.APISecret != ""
}

// Headers generates the authenticated headers for a trading endpoint call.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	a.mu.RLock()
	creds := a.creds
	a.mu.RUnlock()

	sig, err := buildHMAC(creds.APISecret, timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"MM-API-KEY":    creds.APIKey,
		"MM-SIGNATURE":  sig,
		"MM-TIMESTAMP":  timestamp,
		"MM-PASSPHRASE": creds.Passphrase,
	}, nil
}

// WSAuthPayload returns the credential payload for the authenticated
// WebSocket channel.
func (a *Auth) WSAuthPayload() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]string{
		"api_key":    a.creds.APIKey,
		"passphrase": a.creds.Passphrase,
	}
}

// buildHMAC computes the HMAC-SHA256 signature over
// timestamp + method + path [+ body].
func buildHMAC(secret, timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
