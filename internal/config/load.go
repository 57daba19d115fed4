package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// Parse into the typed Config struct. Secret.UnmarshalJSON resolves
	// environment references immediately.
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig rejects secrets committed as literals. Key material must
// come through environment variable references.
func validateRawConfig(rawConfig map[string]any) error {
	if vault, ok := rawConfig["vault"].(map[string]any); ok {
		if apiClient, ok := vault["apiClient"].(map[string]any); ok {
			if err := requireEnvRef("vault.apiClient.key", apiClient["key"]); err != nil {
				return err
			}
		}
		if key, exists := vault["encryptionKey"]; exists {
			if err := requireEnvRef("vault.encryptionKey", key); err != nil {
				return err
			}
		}
	}

	if login, ok := rawConfig["login"].(map[string]any); ok {
		for name, raw := range login {
			provider, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if secret, exists := provider["clientSecret"]; exists {
				if err := requireEnvRef("login."+name+".clientSecret", secret); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func requireEnvRef(name string, value any) error {
	if value == nil {
		return nil
	}
	if _, isString := value.(string); isString {
		return fmt.Errorf("%s must use environment variable reference for security", name)
	}
	refMap, isMap := value.(map[string]any)
	if !isMap {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	if _, hasEnv := refMap["$env"]; !hasEnv {
		return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Web.URI == "" {
		return fmt.Errorf("server.web.uri is required")
	}
	if config.Server.Web.Addr == "" {
		return fmt.Errorf("server.web.addr is required")
	}
	if config.Server.API.Host == "" {
		return fmt.Errorf("server.api.host is required")
	}
	if config.Server.API.Port == 0 {
		return fmt.Errorf("server.api.port is required")
	}

	if config.Vault.APIClient.ID == "" {
		return fmt.Errorf("vault.apiClient.id is required")
	}
	if config.Vault.APIClient.Key == "" {
		return fmt.Errorf("vault.apiClient.key is required")
	}
	if config.Vault.APIClient.Algorithm == "" {
		config.Vault.APIClient.Algorithm = "sha256"
	}

	if config.Storage != nil && config.Storage.Kind == StorageKindFirestore {
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when using firestore storage")
		}
		if len(config.Vault.EncryptionKey) != 32 {
			return fmt.Errorf("vault.encryptionKey must be exactly 32 characters when using firestore storage (got %d)", len(config.Vault.EncryptionKey))
		}
	}

	for name, provider := range map[string]ProviderCredentials{
		"twitter":  config.Login.Twitter,
		"facebook": config.Login.Facebook,
		"yahoo":    config.Login.Yahoo,
	} {
		if provider.Enabled() && provider.ClientSecret == "" {
			return fmt.Errorf("login.%s.clientSecret is required when clientId is set", name)
		}
	}

	return nil
}
