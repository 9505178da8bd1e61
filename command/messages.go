package command

import "strings"

const (
	TypeLogin   = "session.command.login"
	TypeLogout  = "session.command.logout"
	TypeRefresh = "session.command.refresh"
)

type LoginMessage struct {
	Username string
	Password string
}

func (LoginMessage) Type() string { return TypeLogin }

func (m LoginMessage) Validate() error {
	if strings.TrimSpace(m.Username) == "" {
		return commandValidationError("username", "is required")
	}
	if m.Password == "" {
		return commandValidationError("password", "is required")
	}
	return nil
}

type LogoutMessage struct {
	Reason string
}

func (LogoutMessage) Type() string { return TypeLogout }

func (LogoutMessage) Validate() error { return nil }

// RefreshMessage renews the stored credential pair. When StaleAccessToken is
// set the renewal only runs while the stored token still matches it.
type RefreshMessage struct {
	StaleAccessToken string
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (RefreshMessage) Validate() error { return nil }
