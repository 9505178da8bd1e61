package sqlstore

import (
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/ratelimit"
)

var (
	_ core.CredentialStore = (*CredentialStore)(nil)
	_ core.CredentialStore = (*CachedCredentialStore)(nil)
	_ ratelimit.StateStore = (*RateLimitStateStore)(nil)
	_ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
)
