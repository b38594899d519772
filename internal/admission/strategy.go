package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vynthen/chatgate/internal/config"
	"github.com/vynthen/chatgate/internal/redis"
)

// Decision is the outcome of an admission check. Remaining and ResetAt feed
// the X-RateLimit response headers; RetryAfter is meaningful only when
// Allowed is false.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Strategy checks one request against one identity's quota. Implementations
// must be safe for concurrent use. A non-nil error means the backing store
// failed and the caller decides the failure posture (the middleware fails
// open).
type Strategy interface {
	Check(ctx context.Context, identity string, cfg WindowConfig) (*Decision, error)
	Name() string
	Close() error
}

// NewStrategy selects and builds the admission strategy once from
// configuration. The choice is never re-detected per request: whatever this
// returns handles every check for the process lifetime.
//
// "auto" resolves to durable when Redis endpoints are configured and to
// approximate otherwise.
func NewStrategy(cfg *config.Config, logger *slog.Logger) (Strategy, error) {
	mode := cfg.RateLimit.Strategy
	if mode == "" || mode == config.StrategyAuto {
		if len(cfg.Redis.Endpoints) > 0 {
			mode = config.StrategyDurable
		} else {
			mode = config.StrategyApproximate
		}
	}

	switch mode {
	case config.StrategyDurable:
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("building durable admission strategy: %w", err)
		}
		logger.Info("admission strategy selected",
			"strategy", "durable", "endpoints", cfg.Redis.Endpoints)
		return NewDurable(client, cfg.RateLimit.KeyPrefix, logger), nil

	case config.StrategyMemory:
		s, err := NewMemory(cfg.RateLimit.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("building memory admission strategy: %w", err)
		}
		logger.Info("admission strategy selected", "strategy", "memory")
		return s, nil

	case config.StrategyApproximate:
		logger.Warn("admission strategy selected",
			"strategy", "approximate",
			"note", "stateless approximation: requests are never denied, headers are advisory")
		return NewApproximate(), nil

	default:
		return nil, fmt.Errorf("unknown admission strategy %q", mode)
	}
}
