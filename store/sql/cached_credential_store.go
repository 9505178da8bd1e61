package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-session/core"
)

const credentialCacheKeyPrefix = "go-session::credential::v1"

// CachedCredentialStore serves reads from the cache so the pipeline does not
// hit the database per request. Every write moves reads to a new generation
// key; a read that fetched before the write can only fill a retired key.
type CachedCredentialStore struct {
	base  core.CredentialStore
	cache repositorycache.CacheService
	key   string

	mu  sync.Mutex
	gen uint64
}

func NewCachedCredentialStore(base core.CredentialStore, cacheService repositorycache.CacheService, slot string) (*CachedCredentialStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base credential store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: credential cache service is required")
	}
	return &CachedCredentialStore{
		base:  base,
		cache: cacheService,
		key:   CredentialCacheKey(slot),
	}, nil
}

// CredentialCacheKey returns go-session::credential::v1::<slot> with the slot
// URL-path escaped.
func CredentialCacheKey(slot string) string {
	if slot == "" {
		slot = DefaultCredentialSlot
	}
	return credentialCacheKeyPrefix + "::" + url.PathEscape(slot)
}

func (s *CachedCredentialStore) Get(ctx context.Context) (core.Credential, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	return repositorycache.GetOrFetch(ctx, s.cache, s.currentKey(), func(ctx context.Context) (core.Credential, error) {
		return s.base.Get(ctx)
	})
}

func (s *CachedCredentialStore) currentKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s::g%d", s.key, s.gen)
}

// rotate retires the current generation key and drops its entry.
func (s *CachedCredentialStore) rotate(ctx context.Context) error {
	s.mu.Lock()
	retired := fmt.Sprintf("%s::g%d", s.key, s.gen)
	s.gen++
	s.mu.Unlock()
	return s.cache.Delete(ctx, retired)
}

func (s *CachedCredentialStore) Set(ctx context.Context, credential core.Credential) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	if err := s.base.Set(ctx, credential); err != nil {
		return err
	}
	return s.rotate(ctx)
}

func (s *CachedCredentialStore) Delete(ctx context.Context) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached credential store is not configured")
	}
	if err := s.base.Delete(ctx); err != nil {
		return err
	}
	return s.rotate(ctx)
}
