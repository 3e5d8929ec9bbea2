/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secrets resolves platform credentials from a configured backend.
// Credentials never travel through the configuration file itself: the file
// carries opaque references and this package turns them into material.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/glassdome/glassdome/internal/config"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Credentials is the resolved material for one credentials_ref.
type Credentials struct {
	Username   string
	Password   string
	TokenID    string
	TokenValue string
	AccessKey  string
	SecretKey  string
	PrivateKey string
}

// Store resolves credential references.
type Store interface {
	// Resolve returns the material behind ref
	Resolve(ctx context.Context, ref string) (*Credentials, error)
}

// New builds a store from the configured backend.
func New(cfg *config.SecretsConfig) (Store, error) {
	switch cfg.Backend {
	case "env":
		return &envStore{}, nil
	case "vault":
		return newVaultStore(cfg)
	default:
		return nil, contracts.NewValidation("secrets_backend.backend",
			fmt.Sprintf("unknown secrets backend %q", cfg.Backend))
	}
}

// envStore reads credentials from GLASSDOME_CRED_<REF>_<FIELD> variables.
// The ref is upper-cased and dashes become underscores.
type envStore struct{}

func (s *envStore) Resolve(_ context.Context, ref string) (*Credentials, error) {
	prefix := "GLASSDOME_CRED_" + strings.ToUpper(strings.ReplaceAll(ref, "-", "_")) + "_"

	creds := &Credentials{
		Username:   os.Getenv(prefix + "USERNAME"),
		Password:   os.Getenv(prefix + "PASSWORD"),
		TokenID:    os.Getenv(prefix + "TOKEN_ID"),
		TokenValue: os.Getenv(prefix + "TOKEN_VALUE"),
		AccessKey:  os.Getenv(prefix + "ACCESS_KEY"),
		SecretKey:  os.Getenv(prefix + "SECRET_KEY"),
		PrivateKey: os.Getenv(prefix + "PRIVATE_KEY"),
	}
	if creds.empty() {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("credentials %q not found in environment", ref), nil)
	}
	return creds, nil
}

// vaultStore reads credentials from a KV v2 mount, one secret per ref at
// secret/data/glassdome/<ref>. Authentication uses AppRole.
type vaultStore struct {
	client *vault.Client
}

func newVaultStore(cfg *config.SecretsConfig) (*vaultStore, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	if cfg.SkipVerify {
		if err := vcfg.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	roleID := cfg.RoleID
	if roleID == "" {
		roleID = os.Getenv("GLASSDOME_VAULT_ROLE_ID")
	}
	secretID := cfg.SecretID
	if secretID == "" {
		secretID = os.Getenv("GLASSDOME_VAULT_SECRET_ID")
	}
	if roleID == "" || secretID == "" {
		return nil, contracts.NewAuthorization("vault_approle",
			"vault role_id and secret_id are required")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return nil, contracts.NewTransient("vault approle login failed", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, contracts.NewAuthorization("vault_approle", "vault login returned no token")
	}
	client.SetToken(secret.Auth.ClientToken)

	return &vaultStore{client: client}, nil
}

func (s *vaultStore) Resolve(ctx context.Context, ref string) (*Credentials, error) {
	path := "secret/data/glassdome/" + ref
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, contracts.NewTransient(fmt.Sprintf("vault read %s failed", path), err)
	}
	if secret == nil || secret.Data == nil {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("credentials %q not found in vault", ref), nil)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, contracts.NewPermanent(fmt.Sprintf("vault secret %s has no kv data", path), nil)
	}

	creds := &Credentials{
		Username:   str(data, "username"),
		Password:   str(data, "password"),
		TokenID:    str(data, "token_id"),
		TokenValue: str(data, "token_value"),
		AccessKey:  str(data, "access_key"),
		SecretKey:  str(data, "secret_key"),
		PrivateKey: str(data, "private_key"),
	}
	if creds.empty() {
		return nil, contracts.NewResourceMissing(fmt.Sprintf("credentials %q are empty in vault", ref), nil)
	}
	return creds, nil
}

func (c *Credentials) empty() bool {
	return c.Username == "" && c.Password == "" && c.TokenID == "" &&
		c.TokenValue == "" && c.AccessKey == "" && c.SecretKey == "" && c.PrivateKey == ""
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
