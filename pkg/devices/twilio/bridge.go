// Package twilio bridges a phone call into the conversation: Twilio Media
// Streams audio is the microphone and agent audio is streamed back to the
// caller. Audio stays 8 kHz µ-law end to end.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
)

// Format is the only format a Media Stream carries.
var Format = frames.ULaw(8000)

// playLead is how far ahead of real time agent audio is handed to Twilio.
const playLead = 100 * time.Millisecond

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Bridge serves the Twilio webhooks and the media-stream websocket. One call
// is active at a time; a new stream for the same bridge replaces the old one.
type Bridge struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	call    *call
	onFrame func([]byte)
	onError func(error)

	paceMu   sync.Mutex
	playhead time.Time

	draining atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:    cfg.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.VoicePath, b.handleVoice)
	mux.Handle(b.cfg.WebsocketPath, b)
	mux.HandleFunc(b.cfg.StatusCallbackPath, b.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Listen binds the server address and serves until ctx is done or Close.
func (b *Bridge) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ServerAddr)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceOpen)
	}
	b.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           b.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = b.server.Close()
	}()
	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("twilio_bridge_server_error", "error", err.Error())
			b.mu.Lock()
			fn := b.onError
			b.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("twilio bridge: %w", err))
			}
		}
	}()
	b.logger.Info("twilio_bridge_ready",
		"webhook_url", b.voiceWebhookURL(),
		"status_callback_url", b.statusCallbackURL())
	return nil
}

func (b *Bridge) Close() error {
	b.draining.Store(true)
	var err error
	if b.server != nil {
		err = b.server.Close()
	}
	b.mu.Lock()
	c := b.call
	b.call = nil
	b.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
	return err
}

// Active reports whether a call is streaming.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.call != nil
}

// Input returns the caller's side of the line as a capture device.
func (b *Bridge) Input() *Input { return &Input{b: b} }

type Input struct{ b *Bridge }

func (in *Input) Start(_ context.Context, onFrame func([]byte), onError func(error)) error {
	in.b.mu.Lock()
	in.b.onFrame = onFrame
	in.b.onError = onError
	in.b.mu.Unlock()
	return nil
}

func (in *Input) Stop() error {
	in.b.mu.Lock()
	in.b.onFrame = nil
	in.b.onError = nil
	in.b.mu.Unlock()
	return nil
}

func (in *Input) Format() frames.Format { return Format }

// Write streams p to the caller, paced to real time so that Clear only has
// a short tail to discard on Twilio's side. Without a call the audio is
// dropped.
func (b *Bridge) Write(ctx context.Context, p []byte) error {
	if err := b.pace(ctx, Format.Duration(len(p))); err != nil {
		return err
	}
	b.mu.Lock()
	c := b.call
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"event":     "media",
		"streamSid": c.streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(p),
		},
	})
}

// Clear tells Twilio to drop audio it has buffered for the caller.
func (b *Bridge) Clear() error {
	b.paceMu.Lock()
	b.playhead = time.Time{}
	b.paceMu.Unlock()
	b.mu.Lock()
	c := b.call
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": c.streamID,
	})
}

func (b *Bridge) pace(ctx context.Context, d time.Duration) error {
	b.paceMu.Lock()
	now := time.Now()
	if b.playhead.Before(now) {
		b.playhead = now
	}
	b.playhead = b.playhead.Add(d)
	wait := b.playhead.Sub(now) - playLead
	b.paceMu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var current *call
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			current = b.attach(evt.Start, conn)
		case "media":
			if evt.Media == nil || current == nil {
				continue
			}
			if evt.Media.Track != "" && evt.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			b.mu.Lock()
			fn := b.onFrame
			b.mu.Unlock()
			if fn != nil {
				fn(payload)
			}
		case "stop":
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			b.detach(current, reason)
			return
		}
	}
	if current != nil {
		b.detach(current, normalizeCallEndReason("transport_closed"))
	}
}

func (b *Bridge) attach(start *TwilioStart, conn *websocket.Conn) *call {
	c := &call{
		conn:     conn,
		streamID: start.StreamID,
		callSID:  start.CallSID,
		traceID:  uuid.NewString(),
		sendCh:   make(chan []byte, 256),
	}
	b.mu.Lock()
	old := b.call
	b.call = c
	b.mu.Unlock()
	if old != nil {
		b.logger.Info("twilio_call_replaced", frames.MetaStreamID, old.streamID, frames.MetaCallSID, old.callSID)
		_ = old.close()
	}
	go c.loop()
	b.logger.Info("twilio_call_start",
		frames.MetaStreamID, c.streamID,
		frames.MetaCallSID, c.callSID,
		frames.MetaTraceID, c.traceID)
	return c
}

// detach ends c if it is still the active call.
func (b *Bridge) detach(c *call, reason string) {
	if c == nil {
		return
	}
	b.mu.Lock()
	if b.call == c {
		b.call = nil
	}
	b.mu.Unlock()
	_ = c.close()
	b.logger.Info("twilio_call_end",
		frames.MetaStreamID, c.streamID,
		frames.MetaCallSID, c.callSID,
		frames.MetaReason, reason)
}

func (b *Bridge) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if b.cfg.AuthToken != "" && !b.validateTwilioRequest(r) {
		b.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := b.websocketURL(r)
	var twiml string
	if greeting := strings.TrimSpace(b.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (b *Bridge) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if b.cfg.AuthToken != "" && !b.validateTwilioRequest(r) {
		b.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason != "" && callSID != "" {
		b.mu.Lock()
		c := b.call
		b.mu.Unlock()
		if c != nil && c.callSID == callSID {
			b.detach(c, reason)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Bridge) websocketURL(r *http.Request) string {
	if b.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(b.cfg.PublicURL) + b.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(b.cfg.ServerAddr, ":")
	}
	return "wss://" + host + b.cfg.WebsocketPath
}

func (b *Bridge) voiceWebhookURL() string {
	return publicURL(b.cfg, b.cfg.VoicePath)
}

func (b *Bridge) statusCallbackURL() string {
	return publicURL(b.cfg, b.cfg.StatusCallbackPath)
}

func publicURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (b *Bridge) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || b.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(b.cfg.AuthToken)
	return validator.ValidateBody(b.requestURL(r), body, signature)
}

func (b *Bridge) requestURL(r *http.Request) string {
	if b.cfg.PublicURL != "" {
		return strings.TrimRight(b.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(b.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if b.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range b.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}

type call struct {
	conn     *websocket.Conn
	streamID string
	callSID  string
	traceID  string
	sendCh   chan []byte
	mu       sync.Mutex
	closed   atomic.Bool
}

// enqueue drops the message when the call's send buffer is full.
func (c *call) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *call) loop() {
	for msg := range c.sendCh {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *call) close() error {
	c.mu.Lock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type TwilioStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type TwilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}
