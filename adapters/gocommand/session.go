package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	sessioncommand "github.com/goliatone/go-session/command"
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/query"
)

// Subscriptions collects dispatcher subscriptions so they can be released together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterSessionCommands wires login, logout and refresh into the registry
// and the dispatcher. On error every subscription made so far is released.
func RegisterSessionCommands(
	adapter *RegistryAdapter,
	service sessioncommand.SessionService,
	refresher core.Refresher,
	runnerOpts ...runner.Option,
) (Subscriptions, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: session service is required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("gocommand: refresher is required")
	}
	var subs Subscriptions
	login, err := RegisterAndSubscribe[sessioncommand.LoginMessage](adapter, sessioncommand.NewLoginCommand(service), runnerOpts...)
	if err != nil {
		return nil, err
	}
	subs = append(subs, login)

	logout, err := RegisterAndSubscribe[sessioncommand.LogoutMessage](adapter, sessioncommand.NewLogoutCommand(service), runnerOpts...)
	if err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	subs = append(subs, logout)

	refresh, err := RegisterAndSubscribe[sessioncommand.RefreshMessage](adapter, sessioncommand.NewRefreshCommand(refresher), runnerOpts...)
	if err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	return append(subs, refresh), nil
}

// RegisterResourceQuery wires the paginated resource listing as a query.
func RegisterResourceQuery[T any](
	adapter *RegistryAdapter,
	fetcher query.Fetcher[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("gocommand: resource fetcher is required")
	}
	return RegisterAndSubscribeQuery[query.ListResourcesMessage, query.Page[T]](
		adapter,
		query.NewListResourcesQuery(fetcher),
		runnerOpts...,
	)
}
