package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-session/core"
)

type SessionService interface {
	Login(ctx context.Context, username string, password string) (core.Credential, error)
	Logout(ctx context.Context) error
}

type LoginCommand struct {
	service SessionService
}

func NewLoginCommand(service SessionService) *LoginCommand {
	return &LoginCommand{service: service}
}

// Execute stores the issued pair on the result collector when one is present.
func (c *LoginCommand) Execute(ctx context.Context, msg LoginMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: login service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Login(ctx, strings.TrimSpace(msg.Username), msg.Password)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type LogoutCommand struct {
	service SessionService
}

func NewLogoutCommand(service SessionService) *LogoutCommand {
	return &LogoutCommand{service: service}
}

func (c *LogoutCommand) Execute(ctx context.Context, _ LogoutMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: logout service is required")
	}
	return c.service.Logout(ctx)
}

type RefreshCommand struct {
	refresher core.Refresher
}

func NewRefreshCommand(refresher core.Refresher) *RefreshCommand {
	return &RefreshCommand{refresher: refresher}
}

func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.refresher == nil {
		return commandDependencyError("command: refresher is required")
	}
	var (
		out core.Credential
		err error
	)
	if stale := strings.TrimSpace(msg.StaleAccessToken); stale != "" {
		out, err = c.refresher.RefreshIfStale(ctx, stale)
	} else {
		out, err = c.refresher.Refresh(ctx)
	}
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
