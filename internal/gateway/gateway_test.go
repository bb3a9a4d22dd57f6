// ABOUTME: Shared test fixture wiring a gateway against miniredis and SQLite
// ABOUTME: Provides a fake engine signaler with injectable failures

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/limiter"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

// fakeSignaler records signals and can be told to fail.
type fakeSignaler struct {
	mu      sync.Mutex
	err     error
	signals []*store.Message
}

func (f *fakeSignaler) Signal(ctx context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	copied := *msg
	f.signals = append(f.signals, &copied)
	return nil
}

func (f *fakeSignaler) Close() {}

func (f *fakeSignaler) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSignaler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func (f *fakeSignaler) last() *store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		return nil
	}
	return f.signals[len(f.signals)-1]
}

type fixture struct {
	gw       *Gateway
	store    store.Store
	redis    *miniredis.Miniredis
	signaler *fakeSignaler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sig := &fakeSignaler{}
	corr := correlate.New(logger)
	reg := registry.New(logger)
	t.Cleanup(reg.Close)

	appender := feed.NewAppender(client, "", logger)
	lim := limiter.New(s, client, limiter.Config{}, logger)

	gw := &Gateway{
		config:     &config.Config{},
		store:      s,
		registry:   reg,
		correlator: corr,
		service:    NewService(s, lim, appender, sig, corr, nil, logger),
		metrics:    metrics.Noop{},
		httpMet:    metrics.NoopHTTP{},
		logger:     logger,
	}
	return &fixture{gw: gw, store: s, redis: srv, signaler: sig}
}

// authedRequest builds a request carrying an authenticated identity, the way
// the auth middleware would before handing off to a handler.
func authedRequest(t *testing.T, method, target string, body any, id *auth.Identity) *http.Request {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(auth.WithIdentity(req.Context(), id))
}

func acmeIdentity() *auth.Identity {
	return &auth.Identity{Tenant: "acme", User: "alice"}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// errorBody is the JSON error shape every handler writes.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
