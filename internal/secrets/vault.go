package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultOptions configures a VaultProvider. VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE override the corresponding fields when set and non-empty.
type VaultOptions struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default 5s.
	TLSSkipVerify bool
}

// VaultProvider reads "vault://<kv-v2 api path>#<field>" references, for
// example "vault://secret/data/cubelink#slack_token". Without a field the
// whole data map is returned as JSON.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider validates opts and builds the HTTP client.
func NewVaultProvider(opts VaultOptions) (*VaultProvider, error) {
	address := strings.TrimRight(envOverride("VAULT_ADDR", opts.Address), "/")
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	token := envOverride("VAULT_TOKEN", opts.Token)
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: envOverride("VAULT_NAMESPACE", opts.Namespace),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(strings.TrimPrefix(ref, "vault://"), "#")
	if path == "" {
		return "", fmt.Errorf("%w: empty vault path", ErrNotFound)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding vault data: %w", err)
		}
		return string(b), nil
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not in vault path %q", ErrNotFound, field, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in %q is not a string", field, path)
	}
	return s, nil
}

func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q", ErrNotFound, path)
	case http.StatusForbidden:
		return nil, fmt.Errorf("vault denied access to %q", path)
	default:
		return nil, fmt.Errorf("vault returned %d for %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q has no data", ErrNotFound, path)
	}
	return envelope.Data.Data, nil
}

// envOverride returns the value of key, or fallback when it is unset or empty.
func envOverride(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
