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
)

// Vault reads KV v2 secrets from a Vault-compatible server.
// References look like vault(path/to/secret#key); the key defaults to
// "value".
type Vault struct {
	addr     string
	token    string
	mount    string
	cacheTTL time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	expires time.Time
}

// NewVault creates a resolver for the server at addr.
func NewVault(addr, token string) *Vault {
	return &Vault{
		addr:     strings.TrimRight(addr, "/"),
		token:    token,
		mount:    "secret",
		cacheTTL: 5 * time.Minute,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		cache:    make(map[string]cached),
	}
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	path, key, found := strings.Cut(ref, "#")
	if !found {
		key = "value"
	}
	if path == "" {
		return "", fmt.Errorf("empty vault path")
	}
	cacheKey := path + "#" + key

	v.mu.Lock()
	if e, ok := v.cache[cacheKey]; ok && v.now().Before(e.expires) {
		v.mu.Unlock()
		return e.value, nil
	}
	v.mu.Unlock()

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[cacheKey] = cached{value: value, expires: v.now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *Vault) fetch(ctx context.Context, path, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.addr, v.mount, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault status %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse vault response: %w", err)
	}
	s, ok := result.Data.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q missing or not a string at %s", key, path)
	}
	return s, nil
}
