package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// ResolveSecrets fills venue credentials, the admin token and the Telegram
// token from Vault when enabled. Values already present in config win, so a
// partially populated Vault is fine.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if !c.Vault.Enabled {
		return nil
	}

	vc := vault.DefaultConfig()
	vc.Address = c.Vault.Addr

	client, err := vault.NewClient(vc)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(c.Vault.Token)

	secret, err := client.Logical().ReadWithContext(ctx, c.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to read vault path %s: %w", c.Vault.Path, err)
	}
	if secret == nil || secret.Data == nil {
		log.Warn().Str("path", c.Vault.Path).Msg("Vault path empty, keeping config values")
		return nil
	}

	data := secret.Data
	// KV v2 nests payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	get := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}

	for name, venue := range c.Venues {
		if venue.APIKey == "" {
			venue.APIKey = get(name + "_api_key")
		}
		if venue.APISecret == "" {
			venue.APISecret = get(name + "_api_secret")
		}
		c.Venues[name] = venue
	}

	if c.API.AdminToken == "" {
		c.API.AdminToken = get("admin_api_token")
	}
	if c.Telegram.BotToken == "" {
		c.Telegram.BotToken = get("telegram_bot_token")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = get("llm_api_key")
	}

	log.Info().Str("path", c.Vault.Path).Msg("Secrets resolved from Vault")
	return nil
}
