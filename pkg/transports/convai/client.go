// Package convai is the reconnecting websocket client for the ElevenLabs
// conversational agent endpoint.
package convai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/resilience"
	"github.com/harunnryd/duplex/pkg/transports"
)

const DefaultURL = "wss://api.elevenlabs.io/v1/convai/conversation"

type Config struct {
	URL          string
	AgentID      string
	APIKey       string
	LanguageCode string
	VoiceID      string
	InputFormat  frames.Format
	OutputFormat frames.Format

	// ReconnectDelay is waited after every lost connection or failed
	// attempt. Retries never give up.
	ReconnectDelay time.Duration
	// ConnectTimeout bounds each attempt, handshake and initiation included.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int

	Logger   *slog.Logger
	Observer metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.InputFormat == (frames.Format{}) {
		c.InputFormat = frames.PCM16(16000)
	}
	if c.OutputFormat == (frames.Format{}) {
		c.OutputFormat = frames.PCM16(24000)
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

type Client struct {
	cfg    Config
	dialer websocket.Dialer
	events chan transports.Event

	mu      sync.Mutex
	sendCh  chan []byte
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	connected atomic.Bool
	attempts  atomic.Int64
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		events: make(chan transports.Event, 256),
	}
}

func (c *Client) Name() string { return "convai" }

func (c *Client) Recv() <-chan transports.Event { return c.events }

func (c *Client) Connected() bool { return c.connected.Load() }

// Attempts counts connection attempts, failed ones included.
func (c *Client) Attempts() int64 { return c.attempts.Load() }

func (c *Client) Start(ctx context.Context) error {
	if c.cfg.AgentID == "" {
		return errorsx.Wrap(errors.New("convai: agent id is required"), errorsx.ReasonConfigInvalid)
	}
	if _, err := c.buildURL(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Stop closes the live connection, stops retrying and closes Recv.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Send queues m on the live connection.
func (c *Client) Send(m protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.sendCh
	c.mu.Unlock()
	if ch == nil {
		return transports.ErrNotConnected
	}
	select {
	case ch <- data:
		return nil
	default:
		return errorsx.Wrap(transports.ErrBufferFull, errorsx.ReasonTransportSend)
	}
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("convai: bad url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.cfg.AgentID)
	q.Set("output_format", c.cfg.OutputFormat.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer close(c.events)
	logger := c.cfg.Logger
	everConnected := false
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("transport_connect_failed",
				"reason_code", errorsx.Reason(err),
				"attempt", c.attempts.Load(),
				"retry_in", c.cfg.ReconnectDelay.String(),
				"error", err.Error())
		} else {
			kind := transports.EventConnected
			if everConnected {
				kind = transports.EventReconnected
				c.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventTransportReconnect, 1, nil))
			}
			everConnected = true
			err = c.serve(ctx, conn, kind)
			c.emitFinal(ctx, transports.Event{Kind: transports.EventClosed, Err: err})
			if ctx.Err() != nil {
				logger.Info("transport_stopped")
				return
			}
			logger.Warn("transport_closed",
				"reason_code", errorsx.Reason(err),
				"retry_in", c.cfg.ReconnectDelay.String(),
				"error", errString(err))
		}
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials and sends the initiation message within one attempt
// timeout.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.attempts.Add(1)
	u, err := c.buildURL()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("xi-api-key", c.cfg.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(attemptCtx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			err = resilience.RateLimitError{Service: "convai", Message: resp.Status, RetryAfter: retryAfter(resp)}
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}

	initMsg := protocol.NewInitiation(c.cfg.AgentID, c.cfg.LanguageCode, c.cfg.VoiceID, c.cfg.InputFormat, c.cfg.OutputFormat)
	data, err := initMsg.Encode()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	deadline, _ := attemptCtx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(fmt.Errorf("send initiation: %w", err), errorsx.ReasonTransportConnect)
	}
	c.cfg.Logger.Info("transport_connected", "attempt", c.attempts.Load(), "output_format", c.cfg.OutputFormat.Name())
	return conn, nil
}

// serve runs the reader and writer for one connection and returns once both
// have exited and the socket is closed.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, kind transports.EventKind) error {
	sendCh := make(chan []byte, c.cfg.SendBuffer)
	c.mu.Lock()
	c.sendCh = sendCh
	c.mu.Unlock()
	c.connected.Store(true)
	defer func() {
		c.mu.Lock()
		c.sendCh = nil
		c.mu.Unlock()
		c.connected.Store(false)
		_ = conn.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	if !c.emit(gctx, transports.Event{Kind: kind}) {
		return ctx.Err()
	}
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return errorsx.Wrap(err, errorsx.ReasonTransportRead)
			}
			if !c.emit(gctx, transports.Event{Kind: transports.EventMessage, Data: data}) {
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case data := <-sendCh:
				_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return errorsx.Wrap(err, errorsx.ReasonTransportSend)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		return conn.Close()
	})
	err := g.Wait()
	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() == nil) {
		err = errorsx.Wrap(errors.New("connection closed"), errorsx.ReasonTransportClosed)
	}
	return err
}

func (c *Client) emit(ctx context.Context, ev transports.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal waits for the consumer to take a close notice. It gives up
// only when the client is stopping.
func (c *Client) emitFinal(ctx context.Context, ev transports.Event) {
	if !c.emit(ctx, ev) {
		c.cfg.Logger.Debug("transport_event_dropped", "kind", ev.Kind.String())
	}
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ transports.Transport = (*Client)(nil)
