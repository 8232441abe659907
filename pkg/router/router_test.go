package router_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/router"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// fakeRouter is a minimal in-process stand-in for the external media router:
// it decodes the {"type","payload"} envelope and replies according to a
// handler keyed by op type, matching the RPC shape in §6.2.
func fakeRouter(t *testing.T, handlers map[string]func(payload json.RawMessage) any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var req struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			handler, ok := handlers[req.Type]
			if !ok {
				_ = conn.WriteJSON(map[string]string{"error": "unknown op: " + req.Type})
				continue
			}
			_ = conn.WriteJSON(handler(req.Payload))
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func TestClient_GetRouterRTPCapabilities(t *testing.T) {
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"get_router_rtp_capabilities": func(json.RawMessage) any {
			return map[string]any{"capabilities": map[string]string{"codec": "h264"}}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t))
	require.NoError(t, c.Connect(t.Context()))

	caps, err := c.GetRouterRTPCapabilities(t.Context(), "room-1")
	require.NoError(t, err)
	assert.Contains(t, string(caps.Raw), "h264")
}

func TestClient_CreateProducer(t *testing.T) {
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"create_producer": func(payload json.RawMessage) any {
			var req struct {
				RTPParameters struct {
					SSRC uint32 `json:"ssrc"`
				} `json:"rtp_parameters"`
			}
			_ = json.Unmarshal(payload, &req)
			assert.Equal(t, uint32(0xDEADBEEF), req.RTPParameters.SSRC)
			return map[string]string{"id": "producer-1"}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t))
	require.NoError(t, c.Connect(t.Context()))

	result, err := c.CreateProducer(t.Context(), "transport-1", "video", router.RTPParameters{SSRC: 0xDEADBEEF})
	require.NoError(t, err)
	assert.Equal(t, "producer-1", result.ProducerID)
}

func TestClient_RouterErrorSurfacesAsRouterError(t *testing.T) {
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"close_producer": func(json.RawMessage) any {
			return map[string]string{"error": "no such producer"}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t))
	require.NoError(t, c.Connect(t.Context()))

	err := c.CloseProducer(t.Context(), "missing")
	require.Error(t, err)
	assert.Equal(t, vaserr.KindRouterError, vaserr.KindOf(err))
	assert.Contains(t, err.Error(), "no such producer")
}

func TestClient_ConnectFailureIsRouterUnavailable(t *testing.T) {
	log := testLogger(t)
	c := router.New("ws://127.0.0.1:1/no-listener", log)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.Equal(t, vaserr.KindRouterUnavailable, vaserr.KindOf(err))
}

func TestClient_RequestsAreSerialized(t *testing.T) {
	callOrder := make(chan string, 2)
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"get_producers": func(json.RawMessage) any {
			callOrder <- "get_producers"
			return map[string]any{"producers": []string{"p1"}}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t))
	require.NoError(t, c.Connect(t.Context()))

	done := make(chan struct{})
	go func() {
		_, _ = c.GetProducers(t.Context(), "room-a")
		done <- struct{}{}
	}()
	_, err := c.GetProducers(t.Context(), "room-b")
	require.NoError(t, err)
	<-done

	close(callOrder)
	count := 0
	for range callOrder {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestClient_GetAllProducerStats(t *testing.T) {
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"get_all_producer_stats": func(json.RawMessage) any {
			return map[string]any{
				"stats": []map[string]any{
					{"producer_id": "p1", "room_id": "room-1", "packets_received": 42},
				},
			}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t))
	require.NoError(t, c.Connect(t.Context()))

	stats, err := c.GetAllProducerStats(t.Context())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(42), stats[0].PacketsReceived)
	assert.Equal(t, "room-1", stats[0].RoomID)
}

func TestClient_RateLimiterThrottlesBurst(t *testing.T) {
	srv := fakeRouter(t, map[string]func(json.RawMessage) any{
		"close_transport": func(json.RawMessage) any {
			return map[string]any{}
		},
	})
	defer srv.Close()

	c := router.New(wsURL(srv.URL), testLogger(t), router.WithRateLimit(5, 1))
	require.NoError(t, c.Connect(t.Context()))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.CloseTransport(t.Context(), "t1"))
	}
	assert.Greater(t, time.Since(start), 300*time.Millisecond)
}
