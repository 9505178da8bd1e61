package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/ratelimit"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithCache fronts the credential and rate-limit stores with a read cache.
func WithCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func WithSlot(slot string) FactoryOption {
	return func(f *RepositoryFactory) {
		f.slot = slot
	}
}

// RepositoryFactory builds the SQL backed stores from one bun database.
type RepositoryFactory struct {
	db      *bun.DB
	secrets core.SecretProvider
	cache   repositorycache.CacheService
	slot    string

	credentialStore     core.CredentialStore
	rateLimitStateStore ratelimit.StateStore
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	return newRepositoryFactory(client, secrets, opts...)
}

func NewRepositoryFactoryFromDB(db *bun.DB, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	return newRepositoryFactory(db, secrets, opts...)
}

func newRepositoryFactory(candidate any, secrets core.SecretProvider, opts ...FactoryOption) (*RepositoryFactory, error) {
	db, err := resolveBunDB(candidate)
	if err != nil {
		return nil, err
	}
	f := &RepositoryFactory{db: db, secrets: secrets, slot: DefaultCredentialSlot}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) CredentialStore() core.CredentialStore {
	if f == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	credentialStore, err := NewCredentialStore(f.db, f.secrets, WithCredentialSlot(f.slot))
	if err != nil {
		return err
	}
	rateLimitStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.credentialStore = credentialStore
	f.rateLimitStateStore = rateLimitStore
	if f.cache == nil {
		return nil
	}

	cachedCredentials, err := NewCachedCredentialStore(credentialStore, f.cache, credentialStore.slot)
	if err != nil {
		return err
	}
	cachedRateLimit, err := NewCachedRateLimitStateStore(rateLimitStore, f.cache)
	if err != nil {
		return err
	}
	f.credentialStore = cachedCredentials
	f.rateLimitStateStore = cachedRateLimit
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		if typed == nil {
			return nil, fmt.Errorf("sqlstore: bun db is required")
		}
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
