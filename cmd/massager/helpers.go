package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	massager "github.com/massager-chat/massager-go"
)

// baseURL resolves the server URL: MASSAGER_BASE_URL, then the config file,
// then the library default.
func baseURL(cfg *Config) string {
	if v := os.Getenv("MASSAGER_BASE_URL"); v != "" {
		return v
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return massager.DefaultBaseURL
}

// getClient creates an unauthenticated client.
func getClient() (*massager.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client := massager.NewClient(massager.WithBaseURL(baseURL(cfg)), massager.WithLogger(logger))
	return client, cfg, nil
}

// getAuthedClient creates a client carrying the stored token.
func getAuthedClient() (*massager.Client, *Config, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errors.New("not logged in; run 'massager login <username>' first")
	}
	client.SetToken(cfg.Auth.Token)
	return client, cfg, nil
}

func getCredentials() (*massager.FileCredentials, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return massager.NewFileCredentials(path), nil
}

// apiError formats a failed result for display.
func apiError(action string, res *massager.Result) error {
	err := res.Failure()
	if err == nil {
		return nil
	}
	if errors.Is(err, massager.ErrAuth) && !errors.Is(err, massager.ErrEmailNotVerified) {
		return fmt.Errorf("%s: %w (run 'massager login <username>' again)", action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// ============================================================================
// Live session
// ============================================================================

// liveSession is an engine restored from the stored credential with a
// running realtime session.
type liveSession struct {
	engine   *massager.Engine
	realtime *massager.RealtimeSession
	client   *massager.Client
	stop     context.CancelFunc
}

// openSession resumes the stored identity, connects the realtime session and
// loads the roster. Call close when done.
func openSession(ctx context.Context, reconnect bool) (*liveSession, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, err
	}
	creds, err := getCredentials()
	if err != nil {
		return nil, err
	}

	rt := massager.NewRealtimeSession(client, massager.SessionConfig{
		NoReconnect: !reconnect,
		Logger:      logger,
	})
	engine := massager.NewEngine(client, rt, massager.NewStore(), creds, massager.EngineOptions{
		HistoryLimit: cfg.Default.HistoryLimit,
		Logger:       logger,
	})

	runCtx, stop := context.WithCancel(context.Background())
	go engine.Run(runCtx)

	ok, err := engine.Resume(ctx)
	if err != nil {
		rt.Close()
		stop()
		return nil, err
	}
	if !ok {
		stop()
		return nil, errors.New("not logged in or session expired; run 'massager login <username>'")
	}
	return &liveSession{engine: engine, realtime: rt, client: client, stop: stop}, nil
}

func (s *liveSession) close() {
	s.realtime.Close()
	s.stop()
}

// chatLabel renders a roster entry for listings.
func chatLabel(c massager.Chat, self string) string {
	return fmt.Sprintf("[%s] %s", c.ID, c.DisplayName(self))
}

// maskToken shows the first and last 6 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 16 {
		return "****"
	}
	return tok[:6] + "..." + tok[len(tok)-6:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
