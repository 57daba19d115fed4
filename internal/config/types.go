package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON resolves the value at load time. Accepts either a literal
// string or an environment reference of the form {"$env": "VAR_NAME"}.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		*s = Secret(literal)
		return nil
	}

	var ref struct {
		Env string `json:"$env"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.Env == "" {
		return fmt.Errorf("secret must be a string or an {\"$env\": \"VAR_NAME\"} reference")
	}

	*s = Secret(os.Getenv(ref.Env))
	return nil
}

// WebConfig describes the externally visible web front-end. URI is the
// public base URL provider callbacks are registered under; Addr is the
// local listen address.
type WebConfig struct {
	URI  string `json:"uri"`
	Addr string `json:"addr"`
}

// APIConfig locates the remote API server that issues tickets and sessions
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// BaseURL returns the API server base URL
func (a APIConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// ServerConfig groups the web and API endpoints
type ServerConfig struct {
	Web WebConfig `json:"web"`
	API APIConfig `json:"api"`
}

// ProviderCredentials holds one third-party login application's credentials.
// A provider with an empty clientId is treated as disabled.
type ProviderCredentials struct {
	ClientID     Secret `json:"clientId"`
	ClientSecret Secret `json:"clientSecret"`
}

// Enabled reports whether the provider is configured
func (p ProviderCredentials) Enabled() bool {
	return p.ClientID != ""
}

// LoginConfig holds credentials for the supported third-party networks
type LoginConfig struct {
	Twitter  ProviderCredentials `json:"twitter"`
	Facebook ProviderCredentials `json:"facebook"`
	Yahoo    ProviderCredentials `json:"yahoo"`
}

// AppCredential is the long-lived application credential used to sign
// ticket-issuance requests against the API server
type AppCredential struct {
	ID        string `json:"id"`
	Key       Secret `json:"key"`
	Algorithm string `json:"algorithm"`
}

// VaultConfig holds the application's own key material
type VaultConfig struct {
	APIClient     AppCredential `json:"apiClient"`
	EncryptionKey Secret        `json:"encryptionKey"`
}

// StorageKind selects the session/handshake store backend
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
)

// StorageConfig configures the session/handshake store
type StorageConfig struct {
	Kind       StorageKind `json:"kind"`
	GCPProject string      `json:"gcpProject,omitempty"`
	Database   string      `json:"database,omitempty"`
	Collection string      `json:"collection,omitempty"`
}

// Config is the full application configuration
type Config struct {
	Server  ServerConfig   `json:"server"`
	Login   LoginConfig    `json:"login"`
	Vault   VaultConfig    `json:"vault"`
	Storage *StorageConfig `json:"storage,omitempty"`
}
