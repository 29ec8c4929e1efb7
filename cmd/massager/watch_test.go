package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	massager "github.com/massager-chat/massager-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSession builds a liveSession against a server that lists no chats
// and refuses websocket upgrades.
func newTestSession(t *testing.T) (*liveSession, *massager.FileCredentials) {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chats":[]}`))
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := massager.NewFileCredentials(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, creds.Save(massager.Identity{Username: "alice", Token: "tok-alice"}))

	client := massager.NewClient(massager.WithBaseURL(ts.URL), massager.WithReadRetries(0, 0))
	rt := massager.NewRealtimeSession(client, massager.SessionConfig{NoReconnect: true, Logger: quiet})
	engine := massager.NewEngine(client, rt, massager.NewStore(), creds, massager.EngineOptions{Logger: quiet})

	ctx, stop := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(stop)

	ok, err := engine.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return &liveSession{engine: engine, realtime: rt, client: client, stop: stop}, creds
}

func TestWatchLogoutClearsSession(t *testing.T) {
	sess, creds := newTestSession(t)
	v := newChatView("alice")

	assert.True(t, runWatchLine(context.Background(), sess, creds, v, "/logout"))

	id, err := creds.Load()
	require.NoError(t, err)
	assert.Equal(t, massager.Identity{}, id)
	assert.Equal(t, massager.Identity{}, sess.engine.Store().Snapshot().Identity)
	assert.Equal(t, "", sess.client.Token())
}

func TestWatchSendWithoutChatKeepsRunning(t *testing.T) {
	sess, creds := newTestSession(t)
	v := newChatView("alice")

	assert.False(t, runWatchLine(context.Background(), sess, creds, v, "hello"))
	assert.False(t, runWatchLine(context.Background(), sess, creds, v, "/bogus"))
	assert.True(t, runWatchLine(context.Background(), sess, creds, v, "/quit"))
}
