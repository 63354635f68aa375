// internal/provider/mpesa/token.go
package mpesa

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TokenSource hands out a valid bearer token for the provider API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenFetcher performs the actual OAuth exchange and reports the token's
// lifetime as granted by the provider.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// expiryMargin is shaved off the provider-reported lifetime so a token is
// never used right at its expiry edge.
const expiryMargin = 30 * time.Second

type cachedTokenSource struct {
	mu        sync.Mutex
	fetch     TokenFetcher
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewCachedTokenSource caches tokens in process memory. Concurrent callers
// during a cache miss serialize on the mutex, so only one refresh is issued.
func NewCachedTokenSource(fetch TokenFetcher) TokenSource {
	return &cachedTokenSource{fetch: fetch, now: time.Now}
}

func (s *cachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}

	token, expiresIn, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiresAt = s.now().Add(expiresIn - expiryMargin)
	return token, nil
}

func (s *cachedTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

type redisTokenSource struct {
	rdb    *redis.Client
	key    string
	fetch  TokenFetcher
	logger *zap.Logger
}

// NewRedisTokenSource shares the token across instances via Redis. Redis
// being unreachable degrades to fetching a fresh token per call.
func NewRedisTokenSource(rdb *redis.Client, key string, fetch TokenFetcher, logger *zap.Logger) TokenSource {
	return &redisTokenSource{rdb: rdb, key: key, fetch: fetch, logger: logger}
}

func (s *redisTokenSource) Token(ctx context.Context) (string, error) {
	token, err := s.rdb.Get(ctx, s.key).Result()
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && err != redis.Nil {
		s.logger.Warn("token cache read failed", zap.Error(err))
	}

	token, expiresIn, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	ttl := expiresIn - expiryMargin
	if ttl > 0 {
		if err := s.rdb.Set(ctx, s.key, token, ttl).Err(); err != nil {
			s.logger.Warn("token cache write failed", zap.Error(err))
		}
	}
	return token, nil
}

func (s *redisTokenSource) Invalidate() {
	if err := s.rdb.Del(context.Background(), s.key).Err(); err != nil {
		s.logger.Warn("token cache invalidation failed", zap.Error(err))
	}
}
