package backend

import (
	"context"
	"time"
)

// asyncTimeout bounds each fire-and-forget store call.
const asyncTimeout = 5 * time.Second

// Async wraps a Store so writes run fire-and-forget: failures are logged
// and dropped, and callers never wait on the store. Key validation stays
// synchronous but inherits the bounded timeout.
type Async struct {
	store Store
}

// NewAsync wraps store.
func NewAsync(store Store) *Async {
	return &Async{store: store}
}

// ValidateSessionKey delegates with a bounded timeout.
func (a *Async) ValidateSessionKey(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, asyncTimeout)
	defer cancel()
	return a.store.ValidateSessionKey(ctx, key)
}

// PersistSnapshot persists in the background; the returned error is always nil.
func (a *Async) PersistSnapshot(_ context.Context, sessionKey string, payload []byte) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := a.store.PersistSnapshot(ctx, sessionKey, payload); err != nil {
			logger.WithError(err).WithField("session", sessionKey).Warn("persist snapshot failed")
		}
	}()
	return nil
}

// AppendLog appends in the background; the returned error is always nil.
func (a *Async) AppendLog(_ context.Context, line string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := a.store.AppendLog(ctx, line); err != nil {
			logger.WithError(err).Warn("append log failed")
		}
	}()
	return nil
}

// Noop is a Store for standalone runs without an external store. Every key
// validates and every write succeeds.
type Noop struct{}

// ValidateSessionKey accepts every key.
func (Noop) ValidateSessionKey(context.Context, string) (bool, error) { return true, nil }

// PersistSnapshot discards the snapshot.
func (Noop) PersistSnapshot(context.Context, string, []byte) error { return nil }

// AppendLog discards the line.
func (Noop) AppendLog(context.Context, string) error { return nil }
