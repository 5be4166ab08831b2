package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

var (
	// ErrUnavailable is returned when a backend is over quota or unreachable.
	// Callers log it and skip the write.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrMaxSubscriptions is returned when a subscription cap is reached.
	ErrMaxSubscriptions = errors.New("too many subscriptions")
	// ErrAlreadySubscribed is returned for duplicate user subscriptions.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrInvalidTarget is returned for malformed usernames or ids.
	ErrInvalidTarget = errors.New("invalid subscription target")
)

// Backend is one storage area: a flat key-value namespace. Get returns only
// keys that exist. Set and Remove are atomic per call.
type Backend interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
}

// Area names.
const (
	AreaSync  = "sync"
	AreaLocal = "local"
)

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying "+op+" operation after error", "attempt", n, "key", key, "error", err)
		}),
	}
}
