package core

import (
	"context"
	"io"
)

type (
	// EventPublisher delivers JSON-serializable events to room-scoped subscribers.
	// Delivery is best-effort: implementations must not block the caller.
	EventPublisher interface {
		Publish(room, event string, payload interface{}) error
	}

	// FileStorage persists uploaded files and returns their public locator.
	FileStorage interface {
		Save(ctx context.Context, name, contentType string, size int64, r io.Reader) (string, error)
		Delete(ctx context.Context, url string) error
	}
)
