package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerCredentials is the bootstrap file holding the server's long-lived
// admin-token signing key, generated once on first run and reused
// thereafter. Grounded on internal/relay/jwt.go's GenerateECKey/parseECKey
// pair (P-256, base64-DER), here persisted as its own small yaml file
// rather than folded into the main config so it can be permissioned more
// tightly.
type ServerCredentials struct {
	SigningKeyDER string `yaml:"signing_key_der"`

	key *ecdsa.PrivateKey
}

// LoadOrCreateCredentials loads stateDir's credentials file, generating
// and persisting a fresh P-256 signing key the first time the server runs
// in stateDir.
func LoadOrCreateCredentials(stateDir string) (*ServerCredentials, error) {
	path := CredentialsPath(stateDir)
	data, err := os.ReadFile(path)
	if err == nil {
		var creds ServerCredentials
		if err := yaml.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("config: parse credentials: %w", err)
		}
		key, err := parseSigningKey(creds.SigningKeyDER)
		if err != nil {
			return nil, fmt.Errorf("config: parse signing key: %w", err)
		}
		creds.key = key
		return &creds, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read credentials: %w", err)
	}

	key, der, err := generateSigningKey()
	if err != nil {
		return nil, err
	}
	creds := &ServerCredentials{SigningKeyDER: der, key: key}
	out, err := yaml.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("config: marshal credentials: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("config: write credentials: %w", err)
	}
	return creds, nil
}

// SigningKey returns the server's admin-token signing key.
func (c *ServerCredentials) SigningKey() *ecdsa.PrivateKey {
	return c.key
}

func generateSigningKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("config: generate signing key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("config: marshal signing key: %w", err)
	}
	return key, base64.StdEncoding.EncodeToString(der), nil
}

func parseSigningKey(encoded string) (*ecdsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return x509.ParseECPrivateKey(der)
}
