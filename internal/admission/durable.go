package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vynthen/chatgate/internal/redis"
)

// fixedWindowLua atomically checks and counts one request in a fixed window.
//
// The check happens BEFORE the increment: a denied request does not consume
// a slot, so a client hammering a full window cannot push its own reset
// further out. The window key carries a TTL slightly longer than the window
// so counters for dead identities expire on their own.
//
// Keys: KEYS[1] = window key (identity + window start).
// Args: ARGV[1] = max, ARGV[2] = TTL millis.
// Returns {allowed (0|1), count after this call}.
const fixedWindowLua = `
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = tonumber(redis.call('get', KEYS[1]) or '0')
if count >= max then
  return {0, count}
end

count = redis.call('incr', KEYS[1])
if count == 1 then
  redis.call('pexpire', KEYS[1], ttl)
end
return {1, count}
`

// fixedWindowScript precomputes the SHA1 that Redis expects for EVALSHA.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// ttlSlack keeps window keys alive slightly past the window boundary so a
// request racing the boundary still sees the old counter.
const ttlSlack = time.Second

// Durable enforces fixed-window quotas in Redis, shared across all
// instances.
type Durable struct {
	client    redis.Client
	keyPrefix string
	logger    *slog.Logger
	src       string
	hash      string
	now       func() time.Time
}

// NewDurable creates the Redis-backed strategy. prefix namespaces the window
// keys so several deployments can share one Redis.
func NewDurable(client redis.Client, prefix string, logger *slog.Logger) *Durable {
	return &Durable{
		client:    client,
		keyPrefix: prefix,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		now:       time.Now,
	}
}

func (d *Durable) Name() string { return "durable" }

// Check runs the fixed-window script for the identity's current window.
func (d *Durable) Check(ctx context.Context, identity string, cfg WindowConfig) (*Decision, error) {
	now := d.now()
	windowStart := now.Truncate(cfg.Window)
	resetAt := windowStart.Add(cfg.Window)

	key := fmt.Sprintf("%s%s:%d", d.keyPrefix, identity, windowStart.UnixMilli()/cfg.Window.Milliseconds())
	ttl := cfg.Window + ttlSlack

	cmd := d.client.EvalSha(ctx, d.hash, []string{key}, cfg.Max, ttl.Milliseconds())
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		d.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", key)
		cmd = d.client.Eval(ctx, d.src, []string{key}, cfg.Max, ttl.Milliseconds())
	}
	if cmd.Err() != nil {
		if redis.IsConnectivityErr(cmd.Err()) {
			return nil, fmt.Errorf("counter store unreachable: %w", cmd.Err())
		}
		return nil, cmd.Err()
	}

	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading window script result: %w", err)
	}
	if len(arr) != 2 {
		return nil, fmt.Errorf("window script returned %d elements, want 2", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}
	count, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing count: %w", err)
	}

	dec := &Decision{
		Allowed:   allowed == 1,
		Limit:     cfg.Max,
		Remaining: cfg.Max - count,
		ResetAt:   resetAt,
	}
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if !dec.Allowed {
		dec.RetryAfter = resetAt.Sub(now)
	}
	return dec, nil
}

// Ping probes the counter store. Used by the deep readiness check.
func (d *Durable) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (d *Durable) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		var n int64
		_, err := fmt.Sscan(x, &n)
		return n, err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
