package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-session/core"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize   = 16
	derivedKey = 32
	hkdfInfo   = "go-session/credential-store"
)

type Option func(*AppKeySecretProvider)

type keyVersion struct {
	material []byte
	keyID    string
	version  int
	window   KeyRotationWindow
}

// AppKeySecretProvider seals values with AES-256-GCM under a per-value key
// derived from the application key with HKDF. Retired keys stay usable for
// decryption inside their rotation window.
type AppKeySecretProvider struct {
	active  keyVersion
	retired []keyVersion
	now     func() time.Time
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.active.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.active.version = version
		}
	}
}

// WithRetiredKey keeps a previous key version available for decryption.
func WithRetiredKey(material []byte, keyID string, version int, window KeyRotationWindow) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := bytes.TrimSpace(material)
		if len(trimmed) == 0 || version < 1 {
			return
		}
		provider.retired = append(provider.retired, keyVersion{
			material: append([]byte(nil), trimmed...),
			keyID:    strings.TrimSpace(keyID),
			version:  version,
			window:   window,
		})
	}
}

func WithNow(now func() time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		active: keyVersion{
			material: append([]byte(nil), key...),
			keyID:    "app-key",
			version:  1,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("security: salt generation failed: %w", err)
	}
	gcm, err := p.active.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, p.active.additionalData())
	return encodeEnvelope(envelope{
		KeyID:      p.active.keyID,
		Version:    p.active.version,
		Algorithm:  envelopeAlgorithm,
		Salt:       encodePayload(salt),
		Nonce:      encodePayload(nonce),
		Ciphertext: encodePayload(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := p.resolve(parsed.KeyID, parsed.Version)
	if err != nil {
		return nil, err
	}
	salt, err := decodePayload("salt", parsed.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := decodePayload("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload("ciphertext payload", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	gcm, err := key.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, payload, key.additionalData())
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.active.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active.version
}

func (p *AppKeySecretProvider) resolve(keyID string, version int) (keyVersion, error) {
	if matches(p.active, keyID, version) {
		return p.active, nil
	}
	for _, retired := range p.retired {
		if !matches(retired, keyID, version) {
			continue
		}
		if !retired.window.Allows(p.now()) {
			return keyVersion{}, fmt.Errorf("security: key %q version %d is outside its rotation window", keyID, version)
		}
		return retired, nil
	}
	return keyVersion{}, fmt.Errorf("security: key id mismatch: got %q version %d want %q version %d",
		keyID, version, p.active.keyID, p.active.version)
}

func matches(key keyVersion, keyID string, version int) bool {
	return key.keyID == keyID && key.version == version
}

func (k keyVersion) aead(salt []byte) (cipher.AEAD, error) {
	derived := make([]byte, derivedKey)
	reader := hkdf.New(sha256.New, k.material, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("security: derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

// additionalData binds the sealed payload to its key reference.
func (k keyVersion) additionalData() []byte {
	return []byte(k.keyID + ":" + strconv.Itoa(k.version))
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
