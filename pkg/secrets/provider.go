package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Secret names looked up by the settlement service.
const (
	KeyHotWalletPrivateKey = "HOT_WALLET_PRIVATE_KEY"
	KeyAdminJWTSecret      = "ADMIN_JWT_SECRET"
	KeySendGridAPIKey      = "SENDGRID_API_KEY"
)

var ErrSecretNotFound = errors.New("secret not found")

// Provider reads named secrets.
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return value, nil
}

// CachedProvider memoises another provider's answers for ttl.
type CachedProvider struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewCachedProvider(provider Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedSecret),
	}
}

func (p *CachedProvider) GetSecret(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := p.provider.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cache[key] = cachedSecret{value: value, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return value, nil
}

// Manager resolves the service's secrets, preferring values already present
// in configuration.
type Manager struct {
	provider Provider
}

func NewManager(provider Provider) *Manager {
	return &Manager{provider: provider}
}

// Resolve returns configured when it is set, otherwise the provider's value
// for key. A missing optional secret resolves to "".
func (m *Manager) Resolve(ctx context.Context, key, configured string, required bool) (string, error) {
	if strings.TrimSpace(configured) != "" {
		return configured, nil
	}
	value, err := m.provider.GetSecret(ctx, key)
	if err != nil {
		if !required && errors.Is(err, ErrSecretNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	return value, nil
}

func (m *Manager) HotWalletKey(ctx context.Context, configured string) (string, error) {
	return m.Resolve(ctx, KeyHotWalletPrivateKey, configured, true)
}

func (m *Manager) AdminJWTSecret(ctx context.Context, configured string) (string, error) {
	return m.Resolve(ctx, KeyAdminJWTSecret, configured, false)
}

func (m *Manager) SendGridAPIKey(ctx context.Context, configured string) (string, error) {
	return m.Resolve(ctx, KeySendGridAPIKey, configured, false)
}
