package sselink

import "errors"

var (
	// ErrNotSubscription is returned by Subscribe for operations whose root
	// kind is not subscription, so a composed link chain can fall through
	// to the request/response transport.
	ErrNotSubscription = errors.New("operation is not a subscription")
	// ErrLinkDisposed is returned when subscribing through a disposed Link.
	ErrLinkDisposed = errors.New("link is disposed")
	// ErrIDInUse reports a subscription id collision in the registry.
	ErrIDInUse = errors.New("subscription id already in use")
	// ErrNoURL reports a Config without an endpoint URL.
	ErrNoURL = errors.New("endpoint url not set")
)
