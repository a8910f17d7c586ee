package httpapi

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesAndShutsDown(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{
		ListenAddr:      "127.0.0.1:0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
	}, NewRouter(NewHandler(&fakeDispatcher{})))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>Hello, World!</h1>", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServer_ServeWithoutListen(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{}, http.NotFoundHandler())
	assert.Error(t, srv.Serve(context.Background()))
	assert.Empty(t, srv.Addr())
}

func TestServer_ListenFailure(t *testing.T) {
	t.Parallel()

	first := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, http.NotFoundHandler())
	require.NoError(t, first.Listen())
	t.Cleanup(func() { first.listener.Close() })

	second := NewServer(ServerConfig{ListenAddr: first.Addr()}, http.NotFoundHandler())
	assert.Error(t, second.ListenAndServe(context.Background()))
}
