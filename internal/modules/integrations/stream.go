package integrations

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/clarityhq/clarity/internal/utils"
)

const (
	streamDialTimeout = 30 * time.Second

	streamBaseReconnectDelay   = 5 * time.Second
	streamMaxReconnectDelay    = 5 * time.Minute
	streamMaxReconnectAttempts = 10
)

// streamFrame is one event pushed over the simulator's live feed.
type streamFrame struct {
	BusinessID    string          `json:"business_id"`
	SourceEventID string          `json:"source_event_id"`
	Date          string          `json:"date,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    int64           `json:"occurred_at,omitempty"`
}

// StreamClient consumes the simulator's websocket feed and pushes frames
// through the same ingest path a pull sync uses. Started only when a stream
// URL is configured.
type StreamClient struct {
	url        string
	httpClient *http.Client // forces HTTP/1.1 for the upgrade handshake
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	service *Service
	log     zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// streamHTTP1Client builds an HTTP client that only advertises http/1.1 in
// ALPN. TLS-terminating proxies otherwise negotiate HTTP/2, which breaks the
// websocket upgrade.
func streamHTTP1Client() *http.Client {
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

// NewStreamClient creates a stream client for the given feed URL.
func NewStreamClient(url string, service *Service, log zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:        url,
		httpClient: streamHTTP1Client(),
		service:    service,
		log:        log.With().Str("component", "sim_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial dial falls back
// to the reconnect loop instead of aborting startup.
func (sc *StreamClient) Start() error {
	sc.log.Info().Str("url", sc.url).Msg("Starting event stream client")

	if err := sc.Connect(); err != nil {
		sc.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go sc.reconnectLoop()
		return err
	}

	sc.mu.RLock()
	ctx := sc.connCtx
	sc.mu.RUnlock()
	go sc.readMessages(ctx)
	return nil
}

// Stop shuts the client down.
func (sc *StreamClient) Stop() error {
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return nil
	}
	sc.stopped = true
	sc.mu.Unlock()

	close(sc.stopChan)
	return sc.Disconnect()
}

// Connect dials the feed and installs the connection context.
func (sc *StreamClient) Connect() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), streamDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, sc.url, &websocket.DialOptions{
		HTTPClient: sc.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial event stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	sc.conn = conn
	sc.connCtx = connCtx
	sc.cancelFunc = connCancel
	sc.connected = true

	sc.log.Info().Msg("Connected to event stream")
	return nil
}

// Disconnect closes the connection and cancels pending reads.
func (sc *StreamClient) Disconnect() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.conn == nil {
		return nil
	}
	if sc.cancelFunc != nil {
		sc.cancelFunc()
		sc.cancelFunc = nil
	}

	err := sc.conn.Close(websocket.StatusNormalClosure, "")
	sc.conn = nil
	sc.connCtx = nil
	sc.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream connection: %w", err)
	}
	return nil
}

// IsConnected returns the current connection state.
func (sc *StreamClient) IsConnected() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.connected
}

func (sc *StreamClient) readMessages(ctx context.Context) {
	defer func() {
		sc.mu.RLock()
		stopped := sc.stopped
		sc.mu.RUnlock()
		if !stopped {
			go sc.reconnectLoop()
		}
	}()

	for {
		select {
		case <-sc.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		sc.mu.RLock()
		conn := sc.conn
		sc.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				sc.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				sc.log.Debug().Msg("Stream read cancelled")
			} else {
				sc.log.Error().Err(err).Msg("Unexpected stream read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := sc.handleFrame(message); err != nil {
			sc.log.Error().Err(err).Str("frame", string(message)).Msg("Failed to handle stream frame")
			// Keep reading; a bad frame must not kill the feed.
		}
	}
}

func (sc *StreamClient) handleFrame(message []byte) error {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}
	if frame.BusinessID == "" || frame.SourceEventID == "" {
		return fmt.Errorf("stream frame missing business_id or source_event_id")
	}

	occurred := frame.OccurredAt
	if occurred == 0 && frame.Date != "" {
		ts, err := utils.DateToUnix(frame.Date)
		if err != nil {
			return err
		}
		occurred = ts
	}
	if occurred == 0 {
		occurred = time.Now().UTC().Unix()
	}

	payload := string(frame.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := sc.service.Ingest(frame.BusinessID, simProviderName, []ProviderEvent{{
		SourceEventID: frame.SourceEventID,
		PayloadJSON:   payload,
		OccurredAt:    occurred,
	}})
	if err != nil {
		return err
	}

	sc.log.Debug().
		Str("business_id", frame.BusinessID).
		Str("source_event_id", frame.SourceEventID).
		Int("inserted", result.Inserted).
		Msg("Stream frame ingested")
	return nil
}

func (sc *StreamClient) reconnectLoop() {
	sc.mu.Lock()
	if sc.reconnecting || sc.stopped {
		sc.mu.Unlock()
		return
	}
	sc.reconnecting = true
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.reconnecting = false
		sc.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-sc.stopChan:
			return
		default:
		}

		sc.mu.RLock()
		stopped := sc.stopped
		sc.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := streamBackoff(attempt)
		if attempt <= streamMaxReconnectAttempts {
			sc.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to event stream")
		} else {
			sc.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect attempt past max, still retrying")
		}

		select {
		case <-time.After(delay):
		case <-sc.stopChan:
			return
		}

		if err := sc.Connect(); err != nil {
			sc.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnection failed")
			continue
		}

		sc.mu.RLock()
		ctx := sc.connCtx
		sc.mu.RUnlock()
		go sc.readMessages(ctx)
		return
	}
}

func streamBackoff(attempt int) time.Duration {
	delay := float64(streamBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(streamMaxReconnectDelay) {
		delay = float64(streamMaxReconnectDelay)
	}
	return time.Duration(delay)
}
