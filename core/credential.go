package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrCredentialNotFound = errors.New("core: credential not found")

// Credential is the bearer pair issued by the backend. Both tokens are either
// present or absent together.
type Credential struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

func (c Credential) IsZero() bool {
	return strings.TrimSpace(c.AccessToken) == "" && strings.TrimSpace(c.RefreshToken) == ""
}

func (c Credential) Validate() error {
	hasAccess := strings.TrimSpace(c.AccessToken) != ""
	hasRefresh := strings.TrimSpace(c.RefreshToken) != ""
	if hasAccess != hasRefresh {
		return newBadInputError("core: credential requires both access and refresh tokens")
	}
	return nil
}

// Redacted returns a loggable form of the pair.
func (c Credential) Redacted() map[string]any {
	return map[string]any{
		"access":  redactToken(c.AccessToken),
		"refresh": redactToken(c.RefreshToken),
	}
}

func redactToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:4] + "..." + fmt.Sprintf("(%d)", len(token))
}

// MemoryCredentialStore keeps the pair in process memory.
type MemoryCredentialStore struct {
	mu         sync.RWMutex
	credential Credential
	present    bool
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Get(context.Context) (Credential, error) {
	if s == nil {
		return Credential{}, ErrCredentialNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.present {
		return Credential{}, ErrCredentialNotFound
	}
	return s.credential, nil
}

func (s *MemoryCredentialStore) Set(_ context.Context, credential Credential) error {
	if s == nil {
		return newInternalError("core: credential store is nil")
	}
	if err := credential.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if credential.IsZero() {
		s.credential = Credential{}
		s.present = false
		return nil
	}
	s.credential = credential
	s.present = true
	return nil
}

func (s *MemoryCredentialStore) Delete(context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = Credential{}
	s.present = false
	return nil
}

// LoadCredential returns the stored pair, treating an absent pair as empty.
func LoadCredential(ctx context.Context, store CredentialStore) (Credential, bool, error) {
	if store == nil {
		return Credential{}, false, nil
	}
	credential, err := store.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	if credential.IsZero() {
		return Credential{}, false, nil
	}
	return credential, true, nil
}
