package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/astutetezi2/iffservices/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	assert.Equal(t, "realtime-service", root.Use)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate"}, names)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))

	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "database_url is required")
}

func TestServeBadConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", "/does/not/exist.yaml"})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))

	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestServe(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	cfg, err := config.Load("")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t), ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]any
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return body["broker"] == true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeInvalidRedisURL(t *testing.T) {
	cfg := &config.Config{RedisURL: "not-a-url"}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = serve(context.Background(), cfg, zaptest.NewLogger(t), ln)
	assert.ErrorContains(t, err, "redis_url")
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }
