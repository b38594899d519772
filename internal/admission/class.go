// Package admission decides whether an inbound request is admitted under the
// per-endpoint-class quota for its client identity. The quota table is
// compiled in; the backing strategy (durable Redis window, in-process cache,
// or stateless approximation) is chosen once at startup from configuration.
package admission

import (
	"fmt"
	"time"
)

// Class identifies a group of endpoints sharing one quota.
type Class string

const (
	ClassAuth            Class = "auth"
	ClassAI              Class = "ai"
	ClassChat            Class = "chat"
	ClassImageGeneration Class = "image_generation"
	ClassRead            Class = "read"
	ClassWrite           Class = "write"
	ClassPublic          Class = "public"
)

// Valid reports whether c is a known endpoint class.
func (c Class) Valid() bool {
	_, ok := classTable[c]
	return ok
}

func (c Class) String() string { return string(c) }

// WindowConfig is a fixed-window quota: at most Max requests per Window.
type WindowConfig struct {
	Max    int64
	Window time.Duration
}

// classTable is the compiled-in quota table. Changing a quota is a code
// change and a deploy, deliberately.
var classTable = map[Class]WindowConfig{
	ClassAuth:            {Max: 5, Window: 15 * time.Minute},
	ClassAI:              {Max: 20, Window: time.Minute},
	ClassChat:            {Max: 30, Window: time.Minute},
	ClassImageGeneration: {Max: 5, Window: time.Minute},
	ClassRead:            {Max: 60, Window: time.Minute},
	ClassWrite:           {Max: 30, Window: time.Minute},
	ClassPublic:          {Max: 100, Window: time.Minute},
}

// ConfigFor returns the quota for a class. Unknown classes are an error so a
// typo in a route registration fails loudly at wiring time instead of
// silently admitting everything.
func ConfigFor(c Class) (WindowConfig, error) {
	cfg, ok := classTable[c]
	if !ok {
		return WindowConfig{}, fmt.Errorf("unknown endpoint class %q", c)
	}
	return cfg, nil
}

// Classes returns all known classes. Used by metrics pre-registration.
func Classes() []Class {
	out := make([]Class, 0, len(classTable))
	for c := range classTable {
		out = append(out, c)
	}
	return out
}
