package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/memory"
	"github.com/aviary-ai/aviary/internal/profile"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels/httpchan"
	"github.com/aviary-ai/aviary/store"
)

const testAdminToken = "test-admin-token"

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	return &profile.Profile{
		Mode:                  "dev",
		AdminToken:            testAdminToken,
		MaxRequestBodySize:    1 << 20,
		MaxConcurrentRequests: 10,
		RequestTimeoutMS:      5000,
		ChatTimeoutMS:         5000,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		CORSOrigins:           []string{"*"},
		Version:               "test",
	}
}

func newMemoryStore(t *testing.T) (*memory.Store, *memory.DigestWriter) {
	t.Helper()
	embed, err := memory.NewEmbeddingService(memory.EmbeddingConfig{Provider: "hash"}, nil)
	require.NoError(t, err)
	digest := memory.NewDigestWriter(t.TempDir())
	ms, err := memory.NewStore(memory.StoreConfig{Dir: t.TempDir()}, embed, nil, nil, digest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Shutdown() })
	return ms, digest
}

// echoChannel wires the http channel to a canned bot reply.
func echoChannel(t *testing.T) *httpchan.Channel {
	t.Helper()
	ch := httpchan.New(httpchan.Config{})
	ch.OnMessage(func(ctx context.Context, msg *chat_apps.IncomingMessage) {
		reply := &chat_apps.OutgoingMessage{
			ChannelID: msg.ChannelID,
			Content:   "echo: " + msg.Content,
		}
		reply.WithMeta(chat_apps.MetaSource, "lead")
		_ = ch.SendMessage(ctx, reply)
	})
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func newTestServer(t *testing.T, mutate func(*profile.Profile)) *Server {
	t.Helper()
	p := testProfile(t)
	if mutate != nil {
		mutate(p)
	}
	ms, digest := newMemoryStore(t)
	s, err := NewServer(context.Background(), p, Dependencies{
		Memory:      ms,
		Digest:      digest,
		HTTPChannel: echoChannel(t),
		Recorder:    store.New(store.NewNoopDriver()),
	})
	require.NoError(t, err)
	s.ready.Store(true)
	return s
}

func doJSON(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echoHeaderContentType, "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestNewServerRequiresAdminToken(t *testing.T) {
	p := testProfile(t)
	p.AdminToken = ""
	_, err := NewServer(context.Background(), p, Dependencies{})
	require.Error(t, err)

	p.DisableAdmin = true
	_, err = NewServer(context.Background(), p, Dependencies{})
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(s, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.OK)
	output := env.Output.(map[string]any)
	assert.Equal(t, "test", output["version"])
	components := output["components"].(map[string]any)
	assert.Equal(t, "ok", components["memory"])
	assert.Equal(t, "degraded", components["transcripts"], "noop recorder reports degraded")
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodGet, "/readiness", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.ready.Store(false)
	rec = doJSON(s, http.MethodGet, "/readiness", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTraceIDs(t *testing.T) {
	s := newTestServer(t, nil)

	first := doJSON(s, http.MethodGet, "/health", "", nil)
	second := doJSON(s, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, first.Header().Get(traceHeader))
	assert.NotEqual(t, first.Header().Get(traceHeader), second.Header().Get(traceHeader))

	echoed := doJSON(s, http.MethodGet, "/health", "", map[string]string{traceHeader: "trace-roundtrip-1"})
	assert.Equal(t, "trace-roundtrip-1", echoed.Header().Get(traceHeader))

	invalid := doJSON(s, http.MethodGet, "/health", "", map[string]string{traceHeader: "bad id!"})
	assert.NotEqual(t, "bad id!", invalid.Header().Get(traceHeader), "invalid incoming id replaced")
}

func TestAdminRequiresAuth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodGet, "/admin/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(traceHeader), "error responses still carry a trace id")
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(aierrors.AuthInvalidToken), env.Error.Code)

	rec = doJSON(s, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(s, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer " + testAdminToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodGet, "/admin/stats", "", map[string]string{"X-Admin-Token": testAdminToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminSessionToken(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodPost, "/admin/token", "", map[string]string{"X-Admin-Token": testAdminToken})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	token := env.Output.(map[string]any)["token"].(string)
	require.NotEmpty(t, token)

	rec = doJSON(s, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodGet, "/admin/stats", "", map[string]string{"Authorization": "Bearer " + token + "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminDisabled(t *testing.T) {
	s := newTestServer(t, func(p *profile.Profile) {
		p.AdminToken = ""
		p.DisableAdmin = true
	})
	rec := doJSON(s, http.MethodGet, "/admin/stats", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBodyLimitRejectsWithoutHandler(t *testing.T) {
	var handled atomic.Bool
	s := newTestServer(t, func(p *profile.Profile) {
		p.MaxRequestBodySize = 1024
	})
	s.Echo().POST("/probe", func(c echo.Context) error {
		handled.Store(true)
		return c.NoContent(http.StatusOK)
	})

	big := strings.Repeat("x", 4096)
	rec := doJSON(s, http.MethodPost, "/probe", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, handled.Load(), "handler must not run for oversized bodies")

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(aierrors.InputTooLarge), env.Error.Code)
}

func TestChat(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodPost, "/chat",
		`{"channelId": "c1", "userId": "alice", "content": "hello"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.True(t, env.OK)
	assert.Equal(t, "echo: hello", env.Output.(map[string]any)["reply"])
	assert.Equal(t, "lead", env.Metadata["source"])
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodPost, "/chat", `{"channelId": "c1"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(aierrors.InputValidationFailed), env.Error.Code)
	assert.Contains(t, env.Error.Fields, "userId")
	assert.Contains(t, env.Error.Fields, "content")

	rec = doJSON(s, http.MethodPost, "/chat", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryUpdateAndSearch(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodPost, "/memory/update",
		`{"userId": "alice", "content": "favorite coffee is flat white", "source": "explicit", "importance": 0.8}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.True(t, env.OK)
	assert.NotEmpty(t, env.Output.(map[string]any)["id"])

	rec = doJSON(s, http.MethodPost, "/memory/search",
		`{"userId": "alice", "query": "favorite coffee flat white", "threshold": 0.2}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	require.True(t, env.OK)
	results := env.Output.(map[string]any)["results"].([]any)
	require.NotEmpty(t, results)
	hit := results[0].(map[string]any)
	assert.Equal(t, "favorite coffee is flat white", hit["content"])
}

func TestMemoryValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(s, http.MethodPost, "/memory/search", `{"userId": "alice", "query": "x", "types": ["bogus"]}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Fields, "types")

	rec = doJSON(s, http.MethodPost, "/memory/update", `{"userId": "alice", "content": "x", "importance": 3}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Fields, "importance")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(p *profile.Profile) {
		p.RateLimitRPS = 1
		p.RateLimitBurst = 2
	})

	body := `{"channelId": "c1", "userId": "alice", "content": "hi"}`
	first := doJSON(s, http.MethodPost, "/chat", body, nil)
	second := doJSON(s, http.MethodPost, "/chat", body, nil)
	third := doJSON(s, http.MethodPost, "/chat", body, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))
	env := decodeEnvelope(t, third)
	assert.Equal(t, string(aierrors.AuthRateLimited), env.Error.Code)
	assert.True(t, env.Error.Retryable)

	// Health stays reachable when chat is throttled.
	health := doJSON(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestAdminCleanupAndExport(t *testing.T) {
	s := newTestServer(t, nil)
	auth := map[string]string{"X-Admin-Token": testAdminToken}

	_, err := s.memory.AddMemory(context.Background(), "remember the milk",
		memory.Metadata{UserID: "alice"}, 0.5)
	require.NoError(t, err)

	rec := doJSON(s, http.MethodPost, "/admin/cleanup", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.EqualValues(t, 1, env.Output.(map[string]any)["kept"])

	rec = doJSON(s, http.MethodGet, "/admin/memory/export", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "remember the milk")

	rec = doJSON(s, http.MethodGet, "/admin/memory/feed", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echoHeaderContentType), "atom")
}

func TestRateLimiterOverrides(t *testing.T) {
	rl, err := newRateLimiter(10, 20, "/chat=1:1, /admin=2:4")
	require.NoError(t, err)

	assert.Equal(t, "/chat", rl.match("/chat").prefix)
	assert.Equal(t, "/admin", rl.match("/admin/stats").prefix)
	assert.Equal(t, "", rl.match("/memory/search").prefix)

	assert.True(t, rl.allow("client", "/chat"))
	assert.False(t, rl.allow("client", "/chat"), "burst of one")
	assert.True(t, rl.allow("other", "/chat"), "buckets are per client")
	assert.True(t, rl.allow("client", "/memory/search"), "default bucket unaffected")
}

func TestRateLimiterBadOverrides(t *testing.T) {
	for _, bad := range []string{"chat=1:1", "/chat=abc:1", "/chat=1", "/chat=1:0"} {
		_, err := newRateLimiter(10, 20, bad)
		assert.Error(t, err, bad)
	}
}

func TestSigningKeyDerivation(t *testing.T) {
	a := deriveSigningKey("token-a")
	b := deriveSigningKey("token-b")
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, deriveSigningKey("token-a"), "derivation is deterministic")
	assert.NotEqual(t, []byte("token-a"), a[:7])
}

func TestConcurrentTraceIDs(t *testing.T) {
	s := newTestServer(t, nil)
	const n = 50
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			rec := doJSON(s, http.MethodGet, "/health", "", nil)
			ids <- rec.Header().Get(traceHeader)
		}()
	}
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		select {
		case id := <-ids:
			assert.False(t, seen[id], "trace ids must be unique")
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}
}
