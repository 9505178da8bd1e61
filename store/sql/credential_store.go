package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-session/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	DefaultCredentialSlot = "default"
	payloadFormatJSON     = "json"
)

type keyMetadata interface {
	KeyID() string
	Version() int
}

// CredentialStore persists the credential pair encrypted at rest. Each slot
// holds at most one pair; Set replaces it inside a transaction.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*credentialRecord]
	secrets core.SecretProvider
	slot    string
}

type CredentialStoreOption func(*CredentialStore)

// WithCredentialSlot selects the row that holds the pair, for hosts that keep
// more than one session.
func WithCredentialSlot(slot string) CredentialStoreOption {
	return func(s *CredentialStore) {
		if trimmed := strings.TrimSpace(slot); trimmed != "" {
			s.slot = trimmed
		}
	}
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider, opts ...CredentialStoreOption) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	store := &CredentialStore{
		db:      db,
		repo:    repo,
		secrets: secrets,
		slot:    DefaultCredentialSlot,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *CredentialStore) Get(ctx context.Context) (core.Credential, error) {
	if s == nil || s.repo == nil || s.secrets == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("slot", "=", s.slot),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, err
	}
	if len(records) == 0 {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	plaintext, err := s.secrets.Decrypt(ctx, records[0].EncryptedPayload)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlstore: decrypt credential: %w", err)
	}
	var credential core.Credential
	if err := json.Unmarshal(plaintext, &credential); err != nil {
		return core.Credential{}, fmt.Errorf("sqlstore: decode credential: %w", err)
	}
	return credential, nil
}

func (s *CredentialStore) Set(ctx context.Context, credential core.Credential) error {
	if s == nil || s.repo == nil || s.db == nil || s.secrets == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	if err := credential.Validate(); err != nil {
		return err
	}
	if credential.IsZero() {
		return s.Delete(ctx)
	}
	plaintext, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("sqlstore: encode credential: %w", err)
	}
	sealed, err := s.secrets.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("sqlstore: encrypt credential: %w", err)
	}

	now := time.Now().UTC()
	record := &credentialRecord{
		ID:               uuid.NewString(),
		Slot:             s.slot,
		EncryptedPayload: sealed,
		PayloadFormat:    payloadFormatJSON,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if meta, ok := s.secrets.(keyMetadata); ok {
		record.EncryptionKeyID = meta.KeyID()
		record.EncryptionVersion = meta.Version()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*credentialRecord)(nil)).
			Where("slot = ?", s.slot).
			Exec(ctx); err != nil {
			return err
		}
		_, err := s.repo.CreateTx(ctx, tx, record)
		return err
	})
}

func (s *CredentialStore) Delete(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("slot = ?", s.slot).
		Exec(ctx)
	return err
}
