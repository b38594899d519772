package admission

import (
	"context"
	"fmt"
	"time"
)

// Approximate is the stateless fallback strategy for deployments without any
// counter store. It never denies a request; the Remaining it reports is a
// deterministic function of (identity, window), not a real count. The
// headers it produces are advisory, telling well-behaved clients to pace
// themselves while enforcement is unavailable.
type Approximate struct {
	now func() time.Time
}

// NewApproximate creates the stateless strategy.
func NewApproximate() *Approximate {
	return &Approximate{now: time.Now}
}

func (a *Approximate) Name() string { return "approximate" }

// Check always admits. The pseudo-remaining comes from a 32-bit polynomial
// hash of the identity and window start, so it is stable within a window and
// jumps to a fresh value at each boundary.
func (a *Approximate) Check(_ context.Context, identity string, cfg WindowConfig) (*Decision, error) {
	now := a.now()
	windowStart := now.Truncate(cfg.Window)

	h := int64(hash32(fmt.Sprintf("%s:%d", identity, windowStart.UnixMilli())))
	if h < 0 {
		h = -h
	}
	remaining := cfg.Max - h%cfg.Max - 1
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   true,
		Limit:     cfg.Max,
		Remaining: remaining,
		ResetAt:   windowStart.Add(cfg.Window),
	}, nil
}

func (a *Approximate) Close() error { return nil }

// hash32 is the classic h = h*31 + c rolling hash with 32-bit wraparound.
func hash32(s string) int32 {
	var h int32
	for _, c := range []byte(s) {
		h = h*31 + int32(c)
	}
	return h
}
