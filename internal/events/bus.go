package events

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNoHandler     = errors.New("event_handler_not_set")
	ErrInvalidEvent  = errors.New("invalid_event")
	ErrHandlerExists = errors.New("event_handler_already_set")
)

// Handler consumes one event. A returned error leaves the event for
// redelivery on transports that support it.
type Handler func(ctx context.Context, event ResourceBackendStateChanged) error

// Bus moves events from publishers to the single dispatcher.
type Bus interface {
	Publish(ctx context.Context, event ResourceBackendStateChanged) error
	// Subscribe installs the handler. Only one handler may be installed.
	Subscribe(handler Handler) error
	// Run consumes until ctx is done. Synchronous buses return at once.
	Run(ctx context.Context) error
}

func validate(event ResourceBackendStateChanged) error {
	if event.ID == "" || event.ResourceID == 0 || event.NewBackendState == "" {
		return ErrInvalidEvent
	}
	return nil
}

// InProcessBus dispatches on the publisher's goroutine, so Publish returns
// only after the callback committed.
type InProcessBus struct {
	mu      sync.RWMutex
	handler Handler
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{}
}

func (b *InProcessBus) Subscribe(handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return ErrHandlerExists
	}
	b.handler = handler
	return nil
}

func (b *InProcessBus) Publish(ctx context.Context, event ResourceBackendStateChanged) error {
	if err := validate(event); err != nil {
		return err
	}
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return ErrNoHandler
	}
	return handler(ctx, event)
}

func (b *InProcessBus) Run(context.Context) error { return nil }
