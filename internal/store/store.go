// Package store defines the contract of the shared application state store
// consumed by window sessions, and an in-process implementation of it.
package store

import (
	"context"
	"errors"
)

// ErrUnknownCommand is returned by Dispatch for a name nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// State is the content of a feed: branch name to branch value.
type State = map[string]any

// Unsubscribe releases a feed subscription. It is safe to call more than
// once; only the first call has an effect.
type Unsubscribe func()

// Command is a request to run a named store command.
type Command struct {
	Name string         `json:"cmd"`
	Data map[string]any `json:"data"`
}

// Handler runs a command. The Origin of the request, if any, is in ctx.
type Handler func(ctx context.Context, data map[string]any) (any, error)

// Store is the shared state store as seen by window sessions.
type Store interface {
	// Subscribe makes feed carry the given branches until the returned
	// Unsubscribe is called.
	Subscribe(ctx context.Context, feed string, branches []string) (Unsubscribe, error)
	// Resend re-emits the whole content of feed as an EventChanged.
	Resend(ctx context.Context, feed string) error
	// Dispatch runs a command and waits for its result.
	Dispatch(ctx context.Context, cmd Command) (any, error)
	// CommandNames lists the registered command names.
	CommandNames() []string
	// Watch registers fn for every store event. Events are delivered one at
	// a time, in emission order. fn must not call a method that emits.
	Watch(fn func(Event)) (cancel func())
}

// Origin identifies who asked for a store mutation.
type Origin struct {
	SessionID       string `json:"sessionId,omitempty"`
	WindowID        string `json:"windowId,omitempty"`
	LabID           string `json:"labId,omitempty"`
	ClientSessionID string `json:"clientSessionId,omitempty"`
}

type originKey struct{}

// WithOrigin attaches o to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the Origin attached to ctx.
func OriginFrom(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}
