package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:session_credentials,alias:scr"`

	ID                string    `bun:"id,pk"`
	Slot              string    `bun:"slot,notnull"`
	EncryptedPayload  []byte    `bun:"encrypted_payload,notnull"`
	PayloadFormat     string    `bun:"payload_format,notnull"`
	EncryptionKeyID   string    `bun:"encryption_key_id,notnull"`
	EncryptionVersion int       `bun:"encryption_version,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:session_rate_limit_state,alias:srl"`

	ID         string         `bun:"id,pk"`
	Endpoint   string         `bun:"endpoint,notnull"`
	BucketKey  string         `bun:"bucket_key,notnull"`
	Limit      int            `bun:"limit_value,notnull"`
	Remaining  int            `bun:"remaining,notnull"`
	ResetAt    *time.Time     `bun:"reset_at,nullzero"`
	RetryAfter *int           `bun:"retry_after_seconds"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
