package config

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "wxbridge"

	// KeyringWebhookToken is the keyring entry holding the webhook bearer token.
	KeyringWebhookToken = "webhook_token"
)

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// LookupSecret retrieves a secret from the OS keyring.
// Returns "" when the entry is missing or the keyring is unavailable.
func LookupSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring. Missing entries are not an error.
func DeleteSecret(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveSecrets fills the webhook token from the keyring when neither the
// config file nor the environment provided one. Returns where it came from.
func (c *Config) ResolveSecrets() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Webhook.Token != "" {
		return "config"
	}
	if v := LookupSecret(KeyringWebhookToken); v != "" {
		c.Webhook.Token = v
		return "keyring"
	}
	return ""
}
