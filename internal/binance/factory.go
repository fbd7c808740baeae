package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tradebot-engine/config"
	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/vault"
)

// CredentialSource looks up a user's exchange credentials
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID, exchange string, testnet bool) (*vault.Credentials, error)
}

// Factory resolves an exchange.Exchange for a bot owner.
// Every Resolve returns a fresh instance so one bot disconnecting never affects another;
// only the credentials are cached.
// NOTE: All API keys are per-user, stored in Vault. No global/master API keys.
type Factory struct {
	creds      CredentialSource
	config     config.BinanceConfig
	httpClient *http.Client
	limiter    *RateLimiter
	log        *logging.Logger

	credTTL time.Duration
	mu      sync.Mutex
	cache   map[string]credEntry // userID -> credentials
	now     func() time.Time
}

type credEntry struct {
	creds     vault.Credentials
	fetchedAt time.Time
}

// NewFactory creates a factory. creds may be nil when cfg.MockMode is set.
func NewFactory(creds CredentialSource, cfg config.BinanceConfig, log *logging.Logger) *Factory {
	if log == nil {
		log = logging.Default()
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Factory{
		creds:      creds,
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    GetRateLimiter(),
		log:        log.WithComponent("binance-factory"),
		credTTL:    30 * time.Minute,
		cache:      make(map[string]credEntry),
		now:        time.Now,
	}
}

// SetCredentialTTL changes how long credentials are reused before Vault is read again
func (f *Factory) SetCredentialTTL(ttl time.Duration) {
	f.mu.Lock()
	f.credTTL = ttl
	f.mu.Unlock()
}

// Resolve returns an unconnected exchange for userID. Paper bots and mock mode get a PaperClient.
func (f *Factory) Resolve(ctx context.Context, userID string, paper bool) (exchange.Exchange, error) {
	if f.config.MockMode || paper {
		f.log.Debug("Resolving paper venue", "user_id", userID, "mock_mode", f.config.MockMode)
		return NewPaperClient(f.config.PaperStartingBalance), nil
	}

	creds, err := f.credentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	opts := []ClientOption{WithHTTPClient(f.httpClient), WithRateLimiter(f.limiter)}
	if f.config.RecvWindow > 0 {
		opts = append(opts, WithRecvWindow(f.config.RecvWindow))
	}
	return NewClient(creds.APIKey, creds.SecretKey, f.config.BaseURL, opts...), nil
}

func (f *Factory) credentials(ctx context.Context, userID string) (vault.Credentials, error) {
	f.mu.Lock()
	entry, ok := f.cache[userID]
	ttl := f.credTTL
	f.mu.Unlock()
	if ok && f.now().Sub(entry.fetchedAt) < ttl {
		return entry.creds, nil
	}

	if f.creds == nil {
		return vault.Credentials{}, errors.New("no credential store configured")
	}
	creds, err := f.creds.GetCredentials(ctx, userID, "binance", f.config.TestNet)
	if err != nil {
		if errors.Is(err, vault.ErrKeyNotFound) {
			return vault.Credentials{}, fmt.Errorf("no Binance API key configured for user %s: %w", userID, err)
		}
		return vault.Credentials{}, fmt.Errorf("failed to get API key for user %s: %w", userID, err)
	}

	f.mu.Lock()
	f.cache[userID] = credEntry{creds: *creds, fetchedAt: f.now()}
	f.mu.Unlock()
	return *creds, nil
}

// Invalidate drops cached credentials for userID, e.g. after the user rotates keys
func (f *Factory) Invalidate(userID string) {
	f.mu.Lock()
	delete(f.cache, userID)
	f.mu.Unlock()
}

// CachedUsers returns how many users have cached credentials
func (f *Factory) CachedUsers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}
