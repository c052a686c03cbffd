package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Limit-LAB/limit-server/internal/auth"
	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/event"
	"github.com/Limit-LAB/limit-server/internal/limits"
	"github.com/Limit-LAB/limit-server/internal/queue"
	"github.com/Limit-LAB/limit-server/internal/repo"
	"github.com/Limit-LAB/limit-server/internal/store"
)

const testServerURL = "wss://hub.test"

type fixture struct {
	ts     *httptest.Server
	srv    *Server
	store  *store.Store
	tokens *auth.Manager
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		URL:                testServerURL,
		DBDriver:           config.DriverSqlite,
		DBDSN:              filepath.Join(t.TempDir(), "limit.db"),
		DBPoolSize:         3,
		RedisURL:           "redis://" + mr.Addr(),
		JWTSecret:          "server-test-secret",
		PendingEventLimit:  100,
		QueueCapacity:      16,
		MaxStreams:         32,
		AuthRate:           100,
		AuthBurst:          100,
		CPURejectThreshold: 99,
		MetricsSink:        config.SinkPrometheus,
		StatsInterval:      time.Second,
		ShutdownGrace:      time.Second,
	}
	for _, m := range mutate {
		m(cfg)
	}

	s, err := store.Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(ctx))

	c, err := cache.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	q := queue.New(cfg.QueueCapacity, zerolog.Nop())
	t.Cleanup(q.Stop)

	creds := repo.New(c, s, q, zerolog.Nop())
	tokens := auth.NewManager(cfg.JWTSecret)
	limiter := limits.NewAuthLimiter(cfg.AuthRate, cfg.AuthBurst, zerolog.Nop())
	t.Cleanup(limiter.Stop)
	guard := limits.NewStreamGuard(cfg.MaxStreams, cfg.CPURejectThreshold, cfg.MemoryLimit, zerolog.Nop())

	authSvc := auth.NewService(creds, tokens, limiter, zerolog.Nop())
	eventSvc := event.NewService(cfg, creds, s, c, q, tokens, zerolog.Nop())

	srv := New(cfg, authSvc, eventSvc, guard, q, zerolog.Nop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, srv: srv, store: s, tokens: tokens}
}

func (f *fixture) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.tokens.Issue(auth.Identity{UserID: userID, DeviceID: "dev-1"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) seedSubscriber(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.store.AddSubscription(context.Background(), store.Subscription{
		UserID: userID, SubscribedTo: userID, ChannelType: "message",
	}))
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func testEventBody(receiver, text string) map[string]any {
	return map[string]any{
		"event_id":  "client-chosen",
		"timestamp": time.Now().UnixMilli(),
		"sender":    "sender-1",
		"detail": map[string]any{
			"message": map[string]any{
				"receiver_id":     receiver,
				"receiver_server": testServerURL,
				"text":            text,
				"extensions":      map[string]string{"k": "v"},
			},
		},
	}
}

func errKind(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error.Kind
}

func TestRequestAuthEndpoint(t *testing.T) {
	f := newFixture(t)

	code, data := f.post(t, "/v1/auth/request", map[string]string{"id": uuid.NewString()})
	require.Equal(t, http.StatusOK, code, string(data))

	var resp struct {
		RandText string `json:"rand_text"`
	}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Len(t, resp.RandText, 6)
}

func TestRequestAuthRejectsBadID(t *testing.T) {
	f := newFixture(t)

	code, data := f.post(t, "/v1/auth/request", map[string]string{"id": "not-a-uuid"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", errKind(t, data))
}

func TestRequestAuthRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/v1/auth/request", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostOnlyEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/auth/request")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestDoAuthUnknownUser(t *testing.T) {
	f := newFixture(t)

	code, data := f.post(t, "/v1/auth/do", map[string]string{
		"id":        uuid.NewString(),
		"device_id": "dev-1",
		"validated": "Zm9v",
	})
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errKind(t, data))
}

func TestSendEventRequiresToken(t *testing.T) {
	f := newFixture(t)

	code, data := f.post(t, "/v1/event/send", map[string]any{
		"token": "",
		"event": testEventBody("recv", "hi"),
	})
	require.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", errKind(t, data))
}

func TestSendEventForeignServer(t *testing.T) {
	f := newFixture(t)

	body := testEventBody("recv", "hi")
	body["detail"].(map[string]any)["message"].(map[string]any)["receiver_server"] = "wss://elsewhere.example"
	code, data := f.post(t, "/v1/event/send", map[string]any{
		"token": f.token(t, "alice"),
		"event": body,
	})
	require.Equal(t, http.StatusNotImplemented, code)
	assert.Equal(t, "unimplemented", errKind(t, data))
}

func TestSendAndSynchronize(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "recv")

	code, data := f.post(t, "/v1/event/send", map[string]any{
		"token": f.token(t, "alice"),
		"event": testEventBody("recv", "over-http"),
	})
	require.Equal(t, http.StatusOK, code, string(data))

	var sendResp struct {
		EventID string `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(data, &sendResp))
	assert.NotEmpty(t, sendResp.EventID)
	assert.NotEqual(t, "client-chosen", sendResp.EventID)

	syncBody := map[string]any{
		"token": f.token(t, "recv"),
		"count": 50,
		"from":  map[string]any{"ts": 0},
		"to":    map[string]any{"ts": time.Now().Add(time.Hour).UnixMilli()},
	}
	var events []event.Event
	require.Eventually(t, func() bool {
		code, data := f.post(t, "/v1/event/synchronize", syncBody)
		if code != http.StatusOK {
			return false
		}
		var resp struct {
			Events []event.Event `json:"events"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return false
		}
		events = resp.Events
		return len(events) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NotNil(t, events[0].Detail.Message)
	assert.Equal(t, sendResp.EventID, events[0].EventID)
	assert.Equal(t, "over-http", events[0].Detail.Message.Text)
	assert.Equal(t, map[string]string{"k": "v"}, events[0].Detail.Message.Extensions)
}

func TestSynchronizeRequiresBounds(t *testing.T) {
	f := newFixture(t)

	code, data := f.post(t, "/v1/event/synchronize", map[string]any{
		"token": f.token(t, "recv"),
		"count": 50,
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_argument", errKind(t, data))
}

func TestStreamDeliversOverWebSocket(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "recv")

	conn, _, _, err := ws.Dial(context.Background(), f.wsURL("/v1/event/stream?token="+f.token(t, "recv")))
	require.NoError(t, err)
	defer conn.Close()

	code, data := f.post(t, "/v1/event/send", map[string]any{
		"token": f.token(t, "alice"),
		"event": testEventBody("recv", "over-ws"),
	})
	require.Equal(t, http.StatusOK, code, string(data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)

	var ev event.Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	require.NotNil(t, ev.Detail.Message)
	assert.Equal(t, "over-ws", ev.Detail.Message.Text)
	assert.Equal(t, "sender-1", ev.Sender)
}

func TestStreamRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/event/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", errKind(t, data))
}

func TestStreamAdmissionLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxStreams = 1 })
	f.seedSubscriber(t, "recv")

	conn, _, _, err := ws.Dial(context.Background(), f.wsURL("/v1/event/stream?token="+f.token(t, "recv")))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Get(f.ts.URL + "/v1/event/stream?token=" + f.token(t, "other"))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "exhausted", errKind(t, data))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Queue  struct {
			Depth    int `json:"depth"`
			Capacity int `json:"capacity"`
		} `json:"queue"`
		Resources map[string]any   `json:"resources"`
		Events    map[string]int64 `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 16, body.Queue.Capacity)
	assert.Contains(t, body.Resources, "streams_max")
	assert.Contains(t, body.Events, "delivered")
	assert.Contains(t, body.Events, "dropped")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "limit_")
}
