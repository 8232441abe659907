// Package router implements RouterRPC: the long-lived bidirectional
// WebSocket-framed JSON channel to the external media router. Transport
// dial/read/write pump idiom is grounded on a sibling repo's gorilla/websocket
// client (n0remac-robot-webrtc); the reconnect-with-backoff and rate-limited
// request pacing are grounded on this pack's own retry and queueing idioms.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/retry"
	"github.com/ethan/vas-core/pkg/vaserr"
)

// frame is the wire shape for both directions: {"type":..., "payload":...}
// outbound, and {..response fields.., "error": "..."} inbound (§6.2).
type frame struct {
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the single logical connection to the router. Requests are
// serialized: at most one in-flight at a time, per §4.1.
type Client struct {
	url string
	log *logger.Logger

	connMu sync.Mutex // guards conn + healthy; held across dial/redial
	conn   *websocket.Conn
	healthy bool

	reqMu sync.Mutex // serializes request/response pairs

	limiter *rate.Limiter

	requestTimeout time.Duration
	reconnect      retry.Policy
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRequestTimeout overrides the per-request timeout (default 10s, §5).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithRateLimit caps outbound requests per second, matching the teacher's
// rate-limited command queue so a health-check storm across many rooms
// cannot flood the router faster than it can answer.
func WithRateLimit(qps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(qps), burst) }
}

// New constructs a disconnected Client; call Connect before issuing requests.
func New(url string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		url:            url,
		log:            log,
		requestTimeout: 10 * time.Second,
		limiter:        rate.NewLimiter(rate.Limit(50), 10),
		reconnect:      retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the router over WebSocket. Safe to call again after the
// channel has been marked unhealthy.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.requestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.healthy = false
		return vaserr.Wrap(vaserr.KindRouterUnavailable, "dial router", err)
	}

	c.conn = conn
	c.healthy = true
	c.log.DebugRouter("router connected", "url", c.url)
	return nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.healthy = false
	return err
}

// ensureHealthy reconnects with backoff if the channel is marked unhealthy.
// On exhausted reconnect attempts it returns RouterUnavailable without
// queueing the caller's request (§4.1 Reconnection policy).
func (c *Client) ensureHealthy(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.healthy && c.conn != nil {
		return nil
	}

	err := c.reconnect.Do(ctx, func(attempt int) error {
		return c.connectLocked(ctx)
	})
	if err != nil {
		return vaserr.Wrap(vaserr.KindRouterUnavailable, "reconnect to router", err)
	}
	return nil
}

// request sends {type, payload} and decodes the next inbound frame into
// result. A non-empty "error" field in the response surfaces as RouterError.
// Any I/O error marks the channel unhealthy for the next call.
func (c *Client) request(ctx context.Context, opType string, payload any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return ctx.Err()
	}

	if err := c.ensureHealthy(ctx); err != nil {
		return err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return vaserr.Wrap(vaserr.KindInternal, "marshal request payload", err)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.log.DebugRouterFrame("out", opType, reqBody)

	deadline := time.Now().Add(c.requestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return vaserr.New(vaserr.KindRouterUnavailable, "no connection")
	}

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame{Type: opType, Payload: reqBody}); err != nil {
		c.markUnhealthy()
		return vaserr.Wrap(vaserr.KindRouterUnavailable, "write request", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		c.markUnhealthy()
		return vaserr.Wrap(vaserr.KindRouterUnavailable, "read response", err)
	}

	c.log.DebugRouterFrame("in", opType, data)

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return vaserr.Wrap(vaserr.KindRouterError, "decode response envelope", err)
	}
	if envelope.Error != "" {
		return vaserr.New(vaserr.KindRouterError, envelope.Error)
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return vaserr.Wrap(vaserr.KindRouterError, "decode response payload", err)
		}
	}

	return nil
}

func (c *Client) markUnhealthy() {
	c.connMu.Lock()
	c.healthy = false
	c.connMu.Unlock()
}

// --- strictly-typed operation payloads/results (§4.1, §9 "duck-typed RPC") ---

type roomRequest struct {
	RoomID string `json:"room_id"`
}

// RTPCapabilities is an opaque capability descriptor the router returns;
// the core never inspects its fields, only forwards it.
type RTPCapabilities struct {
	Raw json.RawMessage `json:"capabilities"`
}

// GetRouterRTPCapabilities fetches the router's RTP capability descriptor
// for a room.
func (c *Client) GetRouterRTPCapabilities(ctx context.Context, roomID string) (*RTPCapabilities, error) {
	var result RTPCapabilities
	if err := c.request(ctx, "get_router_rtp_capabilities", roomRequest{RoomID: roomID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type createPlainRTPTransportRequest struct {
	RoomID    string `json:"room_id"`
	FixedPort int    `json:"fixed_port,omitempty"`
}

// PlainRTPTransport is the result of creating a plain-RTP transport.
type PlainRTPTransport struct {
	TransportID  string `json:"transport_id"`
	AssignedPort int    `json:"assigned_port"`
}

// CreatePlainRTPTransport creates a router-side plain-RTP endpoint, optionally
// pinned to fixedPort so it matches the SSRC-capture socket.
func (c *Client) CreatePlainRTPTransport(ctx context.Context, roomID string, fixedPort int) (*PlainRTPTransport, error) {
	var result PlainRTPTransport
	err := c.request(ctx, "create_plain_rtp_transport", createPlainRTPTransportRequest{RoomID: roomID, FixedPort: fixedPort}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type connectPlainTransportRequest struct {
	TransportID string `json:"transport_id"`
	PeerIP      string `json:"peer_ip"`
	PeerPort    int    `json:"peer_port"`
}

// ConnectPlainTransport points a previously-created plain-RTP transport at
// the transcoder's RTP source.
func (c *Client) ConnectPlainTransport(ctx context.Context, transportID, peerIP string, peerPort int) error {
	return c.request(ctx, "connect_plain_transport", connectPlainTransportRequest{
		TransportID: transportID, PeerIP: peerIP, PeerPort: peerPort,
	}, nil)
}

// RTPParameters is the strict shape sent when creating a producer, carrying
// the captured SSRC.
type RTPParameters struct {
	MID    string          `json:"mid"`
	Codecs json.RawMessage `json:"codecs"`
	SSRC   uint32          `json:"ssrc"`
}

type createProducerRequest struct {
	TransportID   string        `json:"transport_id"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtp_parameters"`
}

// CreatedProducer is the result of CreateProducer.
type CreatedProducer struct {
	ProducerID string `json:"id"`
}

// CreateProducer registers a new producer on transportID. Must be called
// before ConnectPlainTransport so the router has an output target ready
// when packets arrive (§4.6 step 9).
func (c *Client) CreateProducer(ctx context.Context, transportID, kind string, params RTPParameters) (*CreatedProducer, error) {
	var result CreatedProducer
	err := c.request(ctx, "create_producer", createProducerRequest{TransportID: transportID, Kind: kind, RTPParameters: params}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// WebRTCTransport is the result of creating a WebRTC transport for a
// consumer-facing peer connection. The core creates these on behalf of
// callers but never terminates WebRTC itself.
type WebRTCTransport struct {
	TransportID    string          `json:"transport_id"`
	ICEParameters  json.RawMessage `json:"ice_parameters"`
	ICECandidates  json.RawMessage `json:"ice_candidates"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

// CreateWebRTCTransport creates a router-side WebRTC transport for room.
func (c *Client) CreateWebRTCTransport(ctx context.Context, roomID string) (*WebRTCTransport, error) {
	var result WebRTCTransport
	if err := c.request(ctx, "create_webrtc_transport", roomRequest{RoomID: roomID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type connectWebRTCTransportRequest struct {
	TransportID    string          `json:"transport_id"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

// ConnectWebRTCTransport completes DTLS negotiation for transportID.
func (c *Client) ConnectWebRTCTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return c.request(ctx, "connect_webrtc_transport", connectWebRTCTransportRequest{
		TransportID: transportID, DTLSParameters: dtlsParameters,
	}, nil)
}

type consumeRequest struct {
	TransportID     string          `json:"transport_id"`
	ProducerID      string          `json:"producer_id"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

// Consumed is the result of Consume.
type Consumed struct {
	ConsumerID    string          `json:"consumer_id"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
}

// Consume creates a consumer on transportID for producerID.
func (c *Client) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*Consumed, error) {
	var result Consumed
	err := c.request(ctx, "consume", consumeRequest{
		TransportID: transportID, ProducerID: producerID, RTPCapabilities: rtpCapabilities,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetProducers lists producer ids currently registered for a room.
func (c *Client) GetProducers(ctx context.Context, roomID string) ([]string, error) {
	var result struct {
		Producers []string `json:"producers"`
	}
	if err := c.request(ctx, "get_producers", roomRequest{RoomID: roomID}, &result); err != nil {
		return nil, err
	}
	return result.Producers, nil
}

// ProducerStats is one entry from get_all_producer_stats.
type ProducerStats struct {
	ProducerID      string          `json:"producer_id"`
	RoomID          string          `json:"room_id"`
	PacketsReceived uint64          `json:"packets_received"`
	TransportStats  json.RawMessage `json:"transport_stats,omitempty"`
}

// GetAllProducerStats polls every producer's packet counters, the basis of
// HealthMonitor's staleness detection.
func (c *Client) GetAllProducerStats(ctx context.Context) ([]ProducerStats, error) {
	var result struct {
		Stats []ProducerStats `json:"stats"`
	}
	if err := c.request(ctx, "get_all_producer_stats", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Stats, nil
}

type producerIDRequest struct {
	ProducerID string `json:"producer_id"`
}

// CloseProducer closes a single producer by id.
func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.request(ctx, "close_producer", producerIDRequest{ProducerID: producerID}, nil)
}

type transportIDRequest struct {
	TransportID string `json:"transport_id"`
}

// CloseTransport closes a single transport by id.
func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.request(ctx, "close_transport", transportIDRequest{TransportID: transportID}, nil)
}

// CloseTransportsForRoom closes every transport belonging to a room and
// returns how many were closed. Orchestrator.Start calls this before
// reserving the port so the OS releases it (§4.6 step 3).
func (c *Client) CloseTransportsForRoom(ctx context.Context, roomID string) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.request(ctx, "close_transports_for_room", roomRequest{RoomID: roomID}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}
