package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vynthen/chatgate/internal/config"
)

func TestNewClientSingle(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()).Err())
}

func TestNewClientUnreachable(t *testing.T) {
	_, err := NewClient(config.RedisConfig{
		Endpoints:   []string{"127.0.0.1:1"},
		Mode:        config.RedisModeSingle,
		DialTimeout: "100ms",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single")
}

func TestNewClientDefaultsToSingleMode(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)
	_ = c.Close()
}

func TestNewClientBadDuration(t *testing.T) {
	_, err := NewClient(config.RedisConfig{
		Endpoints:   []string{"localhost:6379"},
		DialTimeout: "forever",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial_timeout")
}

func TestIsNoScriptErr(t *testing.T) {
	assert.True(t, IsNoScriptErr(errors.New("NOSCRIPT No matching script")))
	assert.False(t, IsNoScriptErr(errors.New("ERR something else")))
	assert.False(t, IsNoScriptErr(nil))
}

func TestIsConnectivityErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"refused string", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"loading", errors.New("LOADING Redis is loading the dataset"), true},
		{"clusterdown", errors.New("CLUSTERDOWN The cluster is down"), true},
		{"application error", errors.New("WRONGTYPE Operation against a key"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectivityErr(tc.err))
		})
	}
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions(config.RedisConfig{Endpoints: []string{"localhost:6379"}})
	require.NoError(t, err)
	assert.Equal(t, config.RedisModeSingle, opts.mode)
	assert.Equal(t, 10, opts.poolSize)
	assert.Equal(t, 5*time.Second, opts.dialTimeout)
	assert.Equal(t, 3*time.Second, opts.readTimeout)
	assert.Nil(t, opts.tlsConfig())
}

func TestParseOptionsTLS(t *testing.T) {
	opts, err := parseOptions(config.RedisConfig{
		Endpoints: []string{"localhost:6379"},
		TLS:       config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	tlsCfg := opts.tlsConfig()
	require.NotNil(t, tlsCfg)
	assert.True(t, tlsCfg.InsecureSkipVerify)
}
