package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// VaultResolver resolves vault(path#key) references against a Vault KV v2
// mount. Values are cached for CacheTTL.
type VaultResolver struct {
	Address   string
	Token     string
	MountPath string
	CacheTTL  time.Duration

	client *retryablehttp.Client
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// NewVaultResolver creates a resolver for the Vault server at address.
func NewVaultResolver(address, token string) *VaultResolver {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	return &VaultResolver{
		Address:   strings.TrimRight(address, "/"),
		Token:     token,
		MountPath: "secret",
		CacheTTL:  5 * time.Minute,
		client:    client,
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve fetches a secret. Without #key the "value" key is read.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	inner, ok := strings.CutPrefix(ref, "vault(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return "", fmt.Errorf("invalid vault reference %q (expected vault(path#key))", ref)
	}
	inner = strings.TrimSuffix(inner, ")")
	path, key, found := strings.Cut(inner, "#")
	if !found {
		key = "value"
	}
	cacheKey := path + "#" + key

	v.mu.RLock()
	entry, ok := v.cache[cacheKey]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.value, nil
	}

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	v.cache[cacheKey] = cacheEntry{value: value, expires: time.Now().Add(v.CacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *VaultResolver) fetch(ctx context.Context, path, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.Address, v.MountPath, path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned status %d for %s", resp.StatusCode, path)
	}

	var result struct {
		Data struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse vault response: %w", err)
	}
	s, ok := result.Data.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q at %s is missing or not a string", key, path)
	}
	return s, nil
}
