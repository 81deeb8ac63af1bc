package kis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hyperasset/hyperasset/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

const defaultWSURL = "ws://ops.koreainvestment.com:21000/tryitout/H0STCNT0"

// TickHandler receives each parsed realtime tick.
type TickHandler func(ctx context.Context, tick domain.Tick)

// TickStream subscribes to KIS realtime execution prices for a set of stock
// codes and pushes parsed ticks to a handler. Reconnects with exponential
// backoff on unexpected disconnects.
type TickStream struct {
	url         string
	approvalKey string
	httpClient  *http.Client // forced to HTTP/1.1 for the upgrade handshake
	handler     TickHandler
	loc         *time.Location
	log         zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool

	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	codesMu sync.RWMutex
	codes   []string
}

// createHTTP1Client forces HTTP/1.1 via ALPN. The websocket upgrade handshake
// fails when the TLS layer negotiates HTTP/2.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewTickStream creates the stream. codes is the initial subscription set;
// loc is the market timezone for tick timestamps.
func NewTickStream(url, approvalKey string, codes []string, handler TickHandler,
	loc *time.Location, log zerolog.Logger) *TickStream {
	if url == "" {
		url = defaultWSURL
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TickStream{
		url:         url,
		approvalKey: approvalKey,
		httpClient:  createHTTP1Client(),
		handler:     handler,
		loc:         loc,
		log:         log.With().Str("component", "kis_tick_stream").Logger(),
		stopChan:    make(chan struct{}),
		codes:       append([]string(nil), codes...),
	}
}

// Start connects and begins the read loop. On initial failure the reconnect
// loop keeps trying in the background.
func (ts *TickStream) Start() error {
	ts.log.Info().Msg("Starting tick stream")

	if err := ts.connect(); err != nil {
		ts.log.Warn().Err(err).Msg("Initial connection failed, will retry in background")
		go ts.reconnectLoop()
		return err
	}

	ts.mu.RLock()
	ctx := ts.connCtx
	ts.mu.RUnlock()
	go ts.readMessages(ctx)

	ts.log.Info().Msg("Tick stream started")
	return nil
}

// Stop shuts the stream down. Idempotent.
func (ts *TickStream) Stop() error {
	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return nil
	}
	ts.stopped = true
	ts.mu.Unlock()

	ts.log.Info().Msg("Stopping tick stream")
	close(ts.stopChan)
	return ts.disconnect()
}

// IsConnected reports the current connection status.
func (ts *TickStream) IsConnected() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.connected
}

// SetCodes replaces the subscription set. Applied on the live connection
// immediately; also used on every reconnect.
func (ts *TickStream) SetCodes(codes []string) {
	ts.codesMu.Lock()
	ts.codes = append([]string(nil), codes...)
	ts.codesMu.Unlock()

	ts.mu.RLock()
	conn, ctx := ts.conn, ts.connCtx
	ts.mu.RUnlock()
	if conn == nil || ctx == nil {
		return
	}
	if err := ts.subscribe(ctx, conn); err != nil {
		ts.log.Warn().Err(err).Msg("resubscribe failed")
	}
}

func (ts *TickStream) connect() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.log.Info().Str("url", ts.url).Msg("Connecting to KIS websocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ts.url, &websocket.DialOptions{
		HTTPClient: ts.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ts.conn = conn
	ts.connCtx = connCtx
	ts.cancelFunc = connCancel
	ts.connected = true

	if err := ts.subscribe(connCtx, conn); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		ts.conn = nil
		ts.connCtx = nil
		ts.cancelFunc = nil
		ts.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ts.log.Info().Msg("Connected to KIS websocket")
	return nil
}

func (ts *TickStream) disconnect() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.conn == nil {
		return nil
	}
	if ts.cancelFunc != nil {
		ts.cancelFunc()
		ts.cancelFunc = nil
	}

	err := ts.conn.Close(websocket.StatusNormalClosure, "")
	ts.conn = nil
	ts.connCtx = nil
	ts.connected = false

	if err != nil {
		return fmt.Errorf("error closing websocket: %w", err)
	}
	return nil
}

type subscribeRequest struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// subscribe registers one H0STCNT0 subscription per stock code.
func (ts *TickStream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	ts.codesMu.RLock()
	codes := append([]string(nil), ts.codes...)
	ts.codesMu.RUnlock()

	for _, code := range codes {
		var req subscribeRequest
		req.Header.ApprovalKey = ts.approvalKey
		req.Header.CustType = "P"
		req.Header.TrType = "1"
		req.Header.ContentType = "utf-8"
		req.Body.Input.TrID = "H0STCNT0"
		req.Body.Input.TrKey = code

		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, writeWait)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to send subscription for %s: %w", code, err)
		}
	}

	ts.log.Info().Int("codes", len(codes)).Msg("Subscribed to execution prices")
	return nil
}

func (ts *TickStream) readMessages(ctx context.Context) {
	defer func() {
		ts.log.Info().Msg("Read loop stopped")
		ts.mu.RLock()
		stopped := ts.stopped
		ts.mu.RUnlock()
		if !stopped {
			go ts.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ts.stopChan:
			return
		case <-ctx.Done():
			ts.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		ts.mu.RLock()
		conn := ts.conn
		ts.mu.RUnlock()
		if conn == nil {
			ts.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				ts.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			} else if ctx.Err() != nil {
				ts.log.Debug().Msg("Read cancelled by context")
			} else {
				ts.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		if err := ts.handleMessage(ctx, message); err != nil {
			ts.log.Error().Err(err).Msg("Failed to handle websocket message")
			// keep reading despite parse errors
		}
	}
}

// handleMessage parses one frame. Data frames are pipe-delimited:
// flag|tr_id|count|payload. Control frames (PINGPONG, subscribe acks) are
// JSON objects and are ignored here.
func (ts *TickStream) handleMessage(ctx context.Context, message []byte) error {
	text := string(message)
	if strings.HasPrefix(text, "{") {
		return ts.handleControl(ctx, message)
	}

	parts := strings.Split(text, "|")
	if len(parts) < 4 {
		return fmt.Errorf("data frame too short: %d segments", len(parts))
	}
	if parts[1] != "H0STCNT0" {
		return nil
	}

	// Payload fields are caret-delimited. Several records can be packed into
	// one frame; each record is fieldsPerTick wide.
	const fieldsPerTick = 46
	fields := strings.Split(parts[3], "^")
	for len(fields) >= fieldsPerTick {
		record := fields[:fieldsPerTick]
		fields = fields[fieldsPerTick:]

		tick, err := parseTickRecord(record, ts.loc)
		if err != nil {
			ts.log.Warn().Err(err).Msg("tick record parse failed")
			continue
		}
		ts.handler(ctx, tick)
	}
	return nil
}

// parseTickRecord maps the relevant positional fields of one H0STCNT0 record.
func parseTickRecord(fields []string, loc *time.Location) (domain.Tick, error) {
	code := fields[0]
	if code == "" {
		return domain.Tick{}, fmt.Errorf("empty stock code")
	}
	price := parseFloat(fields[2])
	if price <= 0 {
		return domain.Tick{}, fmt.Errorf("bad price %q for %s", fields[2], code)
	}

	now := time.Now().In(loc)
	ts := now
	if t, err := parseIntraday(now, fields[1]); err == nil {
		ts = t
	}
	return domain.Tick{
		StockCode: code,
		Timestamp: ts,
		Price:     price,
		Volume:    parseInt(fields[12]),
	}, nil
}

type controlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
}

// handleControl answers server heartbeats and logs subscribe acks.
func (ts *TickStream) handleControl(ctx context.Context, message []byte) error {
	var frame controlFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse control frame: %w", err)
	}
	if frame.Header.TrID != "PINGPONG" {
		ts.log.Debug().Str("tr_id", frame.Header.TrID).Msg("control frame")
		return nil
	}

	// PINGPONG frames are echoed back verbatim.
	ts.mu.RLock()
	conn := ts.conn
	ts.mu.RUnlock()
	if conn == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, message)
}

func (ts *TickStream) reconnectLoop() {
	ts.mu.Lock()
	if ts.reconnecting || ts.stopped {
		ts.mu.Unlock()
		return
	}
	ts.reconnecting = true
	ts.mu.Unlock()

	defer func() {
		ts.mu.Lock()
		ts.reconnecting = false
		ts.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ts.stopChan:
			ts.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		ts.mu.RLock()
		stopped := ts.stopped
		ts.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			ts.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting to reconnect")
		} else {
			ts.log.Warn().Int("attempt", attempt).Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-ts.stopChan:
			return
		}

		if err := ts.connect(); err != nil {
			ts.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		ts.log.Info().Int("attempt", attempt).Msg("Reconnected")
		attempt = 0

		ts.mu.RLock()
		ctx := ts.connCtx
		ts.mu.RUnlock()
		go ts.readMessages(ctx)
		return
	}
}

// calculateBackoff is exponential from the base delay, capped at the max.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
