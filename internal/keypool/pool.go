// Package keypool selects upstream API credentials from a pool held in
// environment variables. Selection is stateless: every caller derives the
// same choice from the wall clock, so multiple instances rotate through the
// pool in lockstep without any coordination.
//
// The pool is re-read from the environment on every call. Keys can therefore
// be added or removed at runtime without a restart.
package keypool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"
)

// Environment variables holding the credential pool. The primary key comes
// first, followed by the numbered slots in ascending order.
const (
	primaryKeyEnv  = "CHATGATE_UPSTREAM_API_KEY"
	numberedKeyFmt = "CHATGATE_UPSTREAM_API_KEY_%d"
	maxNumberedKey = 9
)

// selectionWindow is the bucket width for Current: all requests within the
// same minute use the same key.
const selectionWindow = time.Minute

// ErrNoCredentials is returned when no upstream API key is configured.
// Callers surface this as 503, never as a silent default.
var ErrNoCredentials = errors.New("keypool: no upstream API keys configured")

var (
	// providerKeyRe matches provider-issued keys (sk- prefix).
	providerKeyRe = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,200}$`)
	// genericKeyRe is a loose sanity check for other key shapes.
	genericKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{16,256}$`)
)

// Selection is the result of a key lookup: the credential and its position
// in the pool. Index is zero-based.
type Selection struct {
	Key   string
	Index int
}

// RotationStatus is the redaction-safe view of the pool exposed on the admin
// surface. It never contains credential material.
type RotationStatus struct {
	TotalKeys    int       `json:"totalKeys"`
	ActiveKeys   int       `json:"activeKeys"`
	CurrentIndex int       `json:"currentIndex"` // 1-based for display
	LastReset    time.Time `json:"lastReset"`
}

// Pool reads credentials from the environment and selects one per time
// bucket. The zero value is not usable; construct with New.
type Pool struct {
	lookup func(string) string
	now    func() time.Time

	initOnce sync.Once
	initErr  error
}

// Option customizes a Pool. Used by tests to inject the environment and
// the clock.
type Option func(*Pool)

// WithLookup replaces the environment lookup function.
func WithLookup(fn func(string) string) Option {
	return func(p *Pool) { p.lookup = fn }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) { p.now = fn }
}

// New creates a Pool reading from the process environment.
func New(opts ...Option) *Pool {
	p := &Pool{
		lookup: os.Getenv,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// load reads the pool from the environment: the primary key first, then the
// numbered slots in ascending order. Empty slots are skipped and exact
// duplicates removed, so the pool is dense and stable for a given
// environment.
func (p *Pool) load() []string {
	seen := make(map[string]struct{}, maxNumberedKey+1)
	keys := make([]string, 0, maxNumberedKey+1)

	add := func(v string) {
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		keys = append(keys, v)
	}

	add(p.lookup(primaryKeyEnv))
	for i := 1; i <= maxNumberedKey; i++ {
		add(p.lookup(fmt.Sprintf(numberedKeyFmt, i)))
	}
	return keys
}

// Current returns the key for the current minute bucket. All instances
// sharing a wall clock agree on the selection without coordination.
func (p *Pool) Current() (Selection, error) {
	keys := p.load()
	if len(keys) == 0 {
		return Selection{}, ErrNoCredentials
	}
	idx := int(p.now().UnixMilli()/selectionWindow.Milliseconds()) % len(keys)
	return Selection{Key: keys[idx], Index: idx}, nil
}

// RotateOnFailure returns an alternative key for retrying a failed upstream
// call. The bucket is per-second and offset by one slot, so consecutive
// retries within an attempt loop walk the pool rather than re-picking the
// key that just failed.
func (p *Pool) RotateOnFailure() (string, error) {
	keys := p.load()
	if len(keys) == 0 {
		return "", ErrNoCredentials
	}
	idx := int(p.now().Unix()+1) % len(keys)
	return keys[idx], nil
}

// ValidateFormat reports whether s looks like a plausible API key. It is a
// sanity check against copy-paste accidents, not an authenticity check.
func ValidateFormat(s string) bool {
	return providerKeyRe.MatchString(s) || genericKeyRe.MatchString(s)
}

// Status returns the redaction-safe pool summary. CurrentIndex is 1-based;
// LastReset is the start of the current selection bucket.
func (p *Pool) Status() RotationStatus {
	keys := p.load()
	st := RotationStatus{TotalKeys: len(keys), ActiveKeys: len(keys)}
	if len(keys) == 0 {
		return st
	}

	now := p.now()
	bucket := now.UnixMilli() / selectionWindow.Milliseconds()
	st.CurrentIndex = int(bucket)%len(keys) + 1
	st.LastReset = time.UnixMilli(bucket * selectionWindow.Milliseconds()).UTC()
	return st
}

// Initialize validates the pool once at startup and logs its shape. Key
// values are never logged. Safe to call more than once; only the first call
// does work.
func (p *Pool) Initialize(logger *slog.Logger) error {
	p.initOnce.Do(func() {
		keys := p.load()
		if len(keys) == 0 {
			p.initErr = ErrNoCredentials
			logger.Error("no upstream API keys configured",
				"primary_env", primaryKeyEnv)
			return
		}

		malformed := make([]int, 0)
		for i, k := range keys {
			if !ValidateFormat(k) {
				malformed = append(malformed, i+1)
			}
		}

		logger.Info("upstream key pool initialized",
			"total_keys", len(keys),
			"malformed_indices", malformed)
	})
	return p.initErr
}
