package main

import (
	"context"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avregw/internal/config"
	"github.com/vyrodovalexey/avregw/internal/observability"
)

const vaultReadTimeout = 10 * time.Second

// resolveVaultSecrets fills in API_KEY and ENCRYPTION_KEY from Vault when
// VAULT_ADDR is set. Values already present in the environment win, so a
// deployment can override individual secrets without touching Vault.
//
// The secret at VAULT_SECRET_PATH is expected to carry `api_key` and
// `encryption_key` fields, either at the top level or under a KV v2 `data`
// wrapper.
func resolveVaultSecrets(cfg *config.Config, logger observability.Logger) error {
	if os.Getenv("VAULT_ADDR") == "" {
		return nil
	}
	if cfg.APIKey != "" && cfg.EncryptionKey != "" {
		return nil
	}

	secretPath := getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/gateway")

	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return fmt.Errorf("create vault client: %w", err)
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), vaultReadTimeout)
	defer cancel()

	secret, err := client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return fmt.Errorf("read vault secret %s: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s not found", secretPath)
	}

	data := secret.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}

	if cfg.APIKey == "" {
		if v, ok := data["api_key"].(string); ok {
			cfg.APIKey = v
		}
	}
	if cfg.EncryptionKey == "" {
		if v, ok := data["encryption_key"].(string); ok {
			cfg.EncryptionKey = v
		}
	}

	logger.Info("resolved secrets from vault",
		observability.String("path", secretPath),
		observability.Bool("api_key", cfg.APIKey != ""),
		observability.Bool("encryption_key", cfg.EncryptionKey != ""),
	)

	return nil
}
