package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vynthen/chatgate/internal/config"
)

func TestNewLogger(t *testing.T) {
	cases := []struct {
		name   string
		level  config.LogLevel
		format config.LogFormat
	}{
		{"debug json", config.LogLevelDebug, config.LogFormatJSON},
		{"info text", config.LogLevelInfo, config.LogFormatText},
		{"warn json", config.LogLevelWarn, config.LogFormatJSON},
		{"error text", config.LogLevelError, config.LogFormatText},
		{"empty defaults to info", "", config.LogFormatJSON},
		{"unknown defaults to info", "verbose", config.LogFormatJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger := NewLogger(tc.level, tc.format)
			assert.NotNil(t, logger)
		})
	}
}
