// Package secrets loads gateway credentials from HashiCorp Vault so API
// keys never live in config files.
package secrets

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// GatewayCredentials are the secrets a live gateway client needs.
type GatewayCredentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// VaultClient reads engine secrets from a Vault KV path.
type VaultClient struct {
	client *api.Client
}

// NewVaultClient connects to Vault at the given address with the given token.
func NewVaultClient(address, token string) (*VaultClient, error) {
	cfg := &api.Config{
		Address:    address,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultClient{client: client}, nil
}

// GatewayCredentials reads the gateway credential set from the given path.
func (v *VaultClient) GatewayCredentials(path string) (*GatewayCredentials, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	creds := &GatewayCredentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["api_secret"].(string); ok {
		creds.APISecret = v
	}
	if v, ok := data["base_url"].(string); ok {
		creds.BaseURL = v
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("secret at %s is missing api_key", path)
	}
	return creds, nil
}
