package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/middleware"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testJWTSecret = "test-secret-key-that-is-long-enough"

type testServer struct {
	srv *Server
	app *fiber.App
	mr  *miniredis.Miniredis
	rdb *redis.Client
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		JWTSecret:                testJWTSecret,
		DBDriver:                 "sqlite",
		Env:                      "test",
		AllowedOrigins:           "http://localhost:5173",
		TypingWindowMS:           200,
		PresenceGraceMS:          50,
		MessageEditWindowMinutes: 15,
	}
}

// newTestServer builds a fully wired server on an in-memory database. With
// withRedis the ticket store, presence mirror and relay run on miniredis.
func newTestServer(t *testing.T, withRedis bool) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	ts := &testServer{}
	if withRedis {
		ts.mr = miniredis.RunT(t)
		ts.rdb = redis.NewClient(&redis.Options{Addr: ts.mr.Addr()})
	}

	srv, err := NewServerWithDeps(testConfig(), db, ts.rdb)
	require.NoError(t, err)
	ts.srv = srv

	ts.app = newApp()
	srv.SetupMiddleware(ts.app)
	srv.SetupRoutes(ts.app)

	ctx, cancel := context.WithCancel(context.Background())
	srv.shutdownFn = cancel
	srv.StartRealtime(ctx)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})
	return ts
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.IssueUserToken(testJWTSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as userID. An empty userID sends no credentials.
func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// fakeConn records frames written to a session.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}
