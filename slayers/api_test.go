package slayers

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveAPI(t testing.TB, api *API, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, _ := newTestBot(t)
	require.NotNil(t, bot.api)
	bot.startedAt = time.Now().Add(-time.Minute)
	bot.metricRequestsHandled.Add(3)
	bot.discord.connected.Store(true)
	bot.discord.metricConnects.Add(1)

	w := serveAPI(t, bot.api, http.MethodGet, apiHealthCheck)
	require.Equal(t, http.StatusOK, w.Code)

	requestID := w.Header().Get(xRequestIDHeader)
	assert.Len(t, requestID, 16)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordGatewayConnected)
	assert.Equal(t, int64(3), resp.RequestsHandled)
	assert.Equal(t, int64(1), resp.DiscordConnects)
	assert.Equal(t, "1m0s", resp.Uptime)
	assert.Equal(t, 1, resp.APIRequests["GET "+apiHealthCheck])

	w = serveAPI(t, bot.api, http.MethodHead, apiHealthCheck)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, requestID, w.Header().Get(xRequestIDHeader))
	assert.Equal(t, 1, bot.api.metrics()["HEAD "+apiHealthCheck])
}

func TestAPI_Stats(t *testing.T) {
	bot, _ := newTestBot(t)
	seedRequestLogs(t, bot, time.Now())

	w := serveAPI(t, bot.api, http.MethodGet, apiPathStats)
	require.Equal(t, http.StatusOK, w.Code)

	var stats RequestStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(2), stats.Rejected[string(ReasonFormat)])
	assert.Equal(t, int64(1), stats.Members)
}

func TestAPI_StatsNoDatabase(t *testing.T) {
	bot, _ := newTestBot(t)
	db := bot.db
	bot.db = nil
	t.Cleanup(func() { bot.db = db })

	w := serveAPI(t, bot.api, http.MethodGet, apiPathStats)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error": "no database"}`, w.Body.String())
}

func TestAPI_RecentRequests(t *testing.T) {
	bot, _ := newTestBot(t)
	seedRequestLogs(t, bot, time.Now())

	w := serveAPI(t, bot.api, http.MethodGet, "/requests/100")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []RequestLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "3", logs[0].MessageID)
	assert.Equal(t, string(ReasonCooldown), logs[0].Reason)

	w = serveAPI(t, bot.api, http.MethodGet, "/requests/100?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 1)

	w = serveAPI(t, bot.api, http.MethodGet, "/requests/nobody")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	// 0 is the same as no limit
	w = serveAPI(t, bot.api, http.MethodGet, "/requests/100?limit=0")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 2)

	for _, limit := range []string{"-1", "101", "abc"} {
		w = serveAPI(t, bot.api, http.MethodGet, "/requests/100?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestAPI_NotFound(t *testing.T) {
	bot, _ := newTestBot(t)
	w := serveAPI(t, bot.api, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPI_Pprof(t *testing.T) {
	bot, _ := newTestBot(t)
	w := serveAPI(t, bot.api, http.MethodGet, pprofPrefix+"/pprof/")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Serve(t *testing.T) {
	bot, _ := newTestBot(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bot.api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- bot.api.Serve(ctx)
	}()

	addr := bot.api.Addr()
	require.NotNil(t, addr)
	resp, err := http.Get(fmt.Sprintf("http://%s%s", addr.String(), apiHealthCheck))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"discord_gateway_connected"`)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, bot.api.httpServer.Shutdown(shutdownCtx))

	select {
	case err = <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}

func TestNewAPI_BadCertificate(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.SSL.Cert = "missing.crt"
	cfg.API.SSL.Key = "missing.key"

	_, err := New(cfg)
	assert.ErrorContains(t, err, "error loading SSL certs")
}

func TestAPI_CORS(t *testing.T) {
	bot, _ := newTestBot(t)

	req := httptest.NewRequest(http.MethodGet, apiPathStats, nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	cfg := DefaultTestConfig(t)
	cfg.API.CORS.AllowOrigins = []string{"https://dash.example.com"}
	api, err := newAPI(bot, cfg.API)
	require.NoError(t, err)

	for origin, expected := range map[string]string{
		"https://dash.example.com":  "https://dash.example.com",
		"https://other.example.com": "",
	} {
		req = httptest.NewRequest(http.MethodOptions, apiPathStats, nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		w = httptest.NewRecorder()
		api.engine.ServeHTTP(w, req)
		assert.Equal(t, expected, w.Header().Get("Access-Control-Allow-Origin"), origin)
	}

	cfg.API.CORS.AllowOrigins = []string{"dash.example.com"}
	_, err = newAPI(bot, cfg.API)
	assert.ErrorContains(t, err, "invalid CORS config")
}
