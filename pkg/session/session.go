// Package session wires a transport, an audio backend and the tool
// dispatcher around the turn machine. One loop applies every event in
// arrival order; no other goroutine touches turn state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/harunnryd/duplex/pkg/bargein"
	"github.com/harunnryd/duplex/pkg/capture"
	"github.com/harunnryd/duplex/pkg/devices"
	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/logging"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/observers"
	"github.com/harunnryd/duplex/pkg/playback"
	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/redact"
	"github.com/harunnryd/duplex/pkg/tools"
	"github.com/harunnryd/duplex/pkg/transports"
	"github.com/harunnryd/duplex/pkg/turn"
)

var ErrAlreadyRunning = errors.New("session already running")

type Options struct {
	Config    Config
	Transport transports.Transport
	Backend   devices.Backend
	// Registry serves the agent's client tool calls. Nil means every call
	// is answered with "not found".
	Registry tools.Registry
	Logger   *slog.Logger
	Observer metrics.Observer
	// Now is the barge-in detector clock. Defaults to time.Now.
	Now func() time.Time
}

type Session struct {
	cfg        Config
	traceID    string
	logger     *slog.Logger
	observer   metrics.Observer
	redactor   redact.Redactor
	transport  transports.Transport
	backend    devices.Backend
	machine    *turn.Machine
	source     *capture.Source
	player     *playback.Controller
	dispatcher *tools.Dispatcher

	malformedLog *rate.Limiter
	sendLog      *rate.Limiter

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errorsx.Wrap(errors.New("session needs a transport"), errorsx.ReasonConfigInvalid)
	}
	if opts.Backend.Input == nil || opts.Backend.Output == nil {
		return nil, errorsx.Wrap(errors.New("session needs an audio input and output"), errorsx.ReasonConfigInvalid)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	cfg := opts.Config
	traceID := uuid.NewString()
	logger := logging.NewComponentLogger(opts.Logger, "session").With(frames.MetaTraceID, traceID)
	opts.Observer = observers.NewTaggedObserver(opts.Observer, map[string]string{frames.MetaTraceID: traceID})

	outFormat := opts.Backend.OutputFormat
	if outFormat == (frames.Format{}) {
		f, err := cfg.OutputFormat()
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
		outFormat = f
	}

	machine := turn.NewMachine(turn.Options{
		Detector: bargein.New(bargein.Options{
			Threshold:   cfg.VADThreshold,
			QuietPeriod: cfg.QuietPeriod(),
			Now:         opts.Now,
		}),
		Strategy:     turn.StrategyFor(cfg.BargeInEnabled),
		OutputFormat: outFormat,
		Logger:       logging.NewComponentLogger(opts.Logger, "turn"),
	})

	s := &Session{
		cfg:       cfg,
		traceID:   traceID,
		logger:    logger,
		observer:  opts.Observer,
		redactor:  redact.New(cfg.Privacy.RedactPII),
		transport: opts.Transport,
		backend:   opts.Backend,
		machine:   machine,
		source: capture.NewSource(opts.Backend.Input, capture.Options{
			Gate:          capture.NewGate(machine.MicOpen()),
			FrameDuration: cfg.FrameDuration(),
			Logger:        logging.NewComponentLogger(opts.Logger, "capture"),
			Observer:      opts.Observer,
		}),
		player: playback.New(opts.Backend.Output, playback.Options{
			HighWatermark: ms(cfg.Playback.HighWatermarkMS),
			SubChunk:      ms(cfg.Playback.SubChunkMS),
			Logger:        logging.NewComponentLogger(opts.Logger, "playback"),
			Observer:      opts.Observer,
		}),
		dispatcher: tools.NewDispatcher(opts.Registry, tools.Options{
			Concurrency:  cfg.Tools.Concurrency,
			Timeout:      ms(cfg.Tools.TimeoutMS),
			Retries:      cfg.Tools.Retries,
			RetryBackoff: ms(cfg.Tools.RetryBackoffMS),
			Logger:       logging.NewComponentLogger(opts.Logger, "tools"),
			Observer:     opts.Observer,
		}),
		malformedLog: rate.NewLimiter(rate.Every(5*time.Second), 3),
		sendLog:      rate.NewLimiter(rate.Every(5*time.Second), 1),
		done:         make(chan struct{}),
	}
	machine.AddListener(stateLogger{logger: logger, observer: opts.Observer})
	return s, nil
}

func (s *Session) TraceID() string { return s.traceID }

func (s *Session) State() turn.State { return s.machine.State() }

// MicOpen reports whether captured audio is currently forwarded.
func (s *Session) MicOpen() bool { return s.source.Gate().IsOpen() }

// Run opens the devices and the transport and processes events until ctx
// is cancelled, Stop is called, or an audio device fails. Only a device
// failure is returned as an error; transport trouble is retried inside
// the transport.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		close(s.done)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	s.logger.Info("session_starting",
		"transport", s.transport.Name(),
		"audio_backend", s.backend.Name,
		"barge_in", s.machine.Strategy().Name(),
	)
	if err := s.player.Start(ctx); err != nil {
		s.teardown()
		return errorsx.Wrap(fmt.Errorf("start playback: %w", err), errorsx.ReasonDeviceOpen)
	}
	if err := s.source.Start(ctx); err != nil {
		s.teardown()
		return err
	}
	if err := s.transport.Start(ctx); err != nil {
		s.teardown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(gctx) })
	g.Go(func() error { return s.forwardMic(gctx) })
	err := g.Wait()
	s.teardown()
	if err != nil {
		s.logger.Error("session_failed", "reason_code", errorsx.Reason(err), "error", err)
		return err
	}
	s.logger.Info("session_stopped")
	return nil
}

// Stop ends Run. It is safe to call at any time and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain stops the session and waits for Run to return.
func (s *Session) Drain() error {
	s.Stop()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
	return nil
}

func (s *Session) teardown() {
	if err := s.source.Stop(); err != nil {
		s.logger.Warn("capture_stop_failed", "reason_code", errorsx.Reason(err), "error", err)
	}
	if err := s.transport.Stop(); err != nil {
		s.logger.Warn("transport_stop_failed", "error", err)
	}
	_ = s.dispatcher.Close()
	s.player.Stop(false)
	if err := s.backend.Release(); err != nil {
		s.logger.Warn("audio_backend_release_failed", "error", err)
	}
}

func (s *Session) loop(ctx context.Context) error {
	recv := s.transport.Recv()
	completions := s.dispatcher.Completions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.player.Failed():
			return s.player.Err()
		case <-s.source.Failed():
			return s.source.Err()
		case ev, ok := <-recv:
			if !ok {
				return nil
			}
			s.handleTransport(ev)
		case c, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			s.apply(s.machine.HandleEvent(turn.ToolCallCompleted{ID: c.ID, Result: c.Result}))
		}
	}
}

func (s *Session) handleTransport(ev transports.Event) {
	switch ev.Kind {
	case transports.EventConnected:
		s.logger.Info("session_connected", "state", s.machine.State().String())
	case transports.EventReconnected:
		s.apply(s.machine.HandleEvent(turn.TransportReconnected{}))
	case transports.EventClosed:
		s.logger.Warn("session_transport_lost", "reason_code", errorsx.ReasonTransportClosed, "error", errString(ev.Err))
		s.apply(s.machine.HandleEvent(turn.TransportClosed{}))
	case transports.EventMessage:
		s.handleMessage(ev.Data)
	}
}

func (s *Session) handleMessage(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.logger.Debug("inbound_unknown_type", "error", err)
			return
		}
		if s.malformedLog.Allow() {
			s.logger.Warn("inbound_malformed", "reason_code", errorsx.ReasonMalformedMessage, "error", err)
		}
		return
	}

	var ev turn.Event
	switch in.Kind {
	case protocol.KindAudio:
		ev = turn.AudioFrameReceived{Audio: in.Audio}
	case protocol.KindUserTranscript:
		s.logger.Info("user_transcript", "text", s.redactor.Text(in.Text))
	case protocol.KindAgentResponseStart:
		ev = turn.AgentTurnStarted{}
	case protocol.KindAgentResponse:
		s.logger.Info("agent_response", "text", s.redactor.Text(in.Text))
		ev = turn.AgentTurnEnded{}
	case protocol.KindAgentResponseCorrection, protocol.KindInterruption:
		s.logger.Info("agent_response_interrupted", "kind", string(in.Kind), "text", s.redactor.Text(in.Text))
		ev = turn.BargeInAcknowledged{}
	case protocol.KindClientToolCall:
		ev = turn.ToolCallRequested{Call: in.ToolCall}
	case protocol.KindPing:
		ev = turn.KeepAlive{EventID: in.EventID}
	case protocol.KindVADScore:
		s.observer.RecordEvent(metrics.NewEvent(metrics.EventVADScore, in.Score, nil))
		ev = turn.VadScore{Score: in.Score}
	case protocol.KindInitiationMetadata:
		s.onMetadata(in.Metadata)
	}
	if ev != nil {
		s.apply(s.machine.HandleEvent(ev))
	}
}

func (s *Session) onMetadata(meta protocol.InitiationMetadata) {
	s.logger.Info("conversation_started",
		frames.MetaConversationID, meta.ConversationID,
		"agent_output_format", meta.OutputFormat,
		"user_input_format", meta.InputFormat,
	)
	if meta.OutputFormat == "" {
		return
	}
	f, err := frames.ParseFormat(meta.OutputFormat)
	if err != nil {
		s.logger.Warn("agent_output_format_invalid", "reason_code", errorsx.ReasonMalformedMessage, "error", err)
		return
	}
	if want := s.backend.OutputFormat; want != (frames.Format{}) && want != f {
		s.logger.Warn("agent_output_format_mismatch", "negotiated", f.Name(), "device", want.Name())
	}
	s.machine.SetOutputFormat(f)
}

// apply carries out effects in the order the machine produced them.
func (s *Session) apply(effects []turn.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case turn.GateMic:
			s.source.SetGate(e.Open)
		case turn.EnqueuePlayback:
			// an error here means the sink failed; the loop sees Failed next
			_ = s.player.Enqueue(e.Chunk)
		case turn.InterruptPlayback:
			if e.Reason == "barge_in" {
				s.observer.RecordEvent(metrics.NewEvent(metrics.EventBargeIn, 1, map[string]string{
					frames.MetaReason: e.Reason,
				}))
			}
			s.player.Interrupt()
		case turn.SendMessage:
			s.send(e.Message)
		case turn.DispatchTool:
			if err := s.dispatcher.Dispatch(e.Call); err != nil {
				s.logger.Warn("tool_dispatch_failed", frames.MetaToolCallID, e.Call.ID, "error", err)
			}
		}
	}
}

func (s *Session) send(m protocol.Message) {
	err := s.transport.Send(m)
	if err == nil {
		return
	}
	if m.Type() == "client_tool_response" {
		s.logger.Warn("tool_response_not_sent", "reason_code", errorsx.ReasonTransportSend, "error", err)
		return
	}
	if s.sendLog.Allow() {
		s.logger.Warn("transport_send_failed", "type", m.Type(), "reason_code", errorsx.ReasonTransportSend, "error", err)
	}
}

// forwardMic sends gated microphone chunks. Chunks that arrive while
// disconnected are dropped.
func (s *Session) forwardMic(ctx context.Context) error {
	frameCh := s.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-frameCh:
			if !s.source.Gate().IsOpen() {
				frames.ReleaseAudioChunk(chunk)
				continue
			}
			err := s.transport.Send(protocol.NewUserAudioChunk(chunk.RawPayload()))
			frames.ReleaseAudioChunk(chunk)
			if err != nil && !errors.Is(err, transports.ErrNotConnected) && s.sendLog.Allow() {
				s.logger.Warn("mic_audio_not_sent", "reason_code", errorsx.ReasonTransportSend, "error", err)
			}
		}
	}
}

type stateLogger struct {
	logger   *slog.Logger
	observer metrics.Observer
}

func (l stateLogger) OnStateChange(ch turn.StateChange) {
	l.logger.Info("turn_state_changed",
		"from", ch.FromState.String(),
		"to", ch.ToState.String(),
		frames.MetaReason, ch.Reason,
	)
	if ch.ToState == turn.StateAgentTurn {
		l.observer.RecordEvent(metrics.NewEvent(metrics.EventAgentTurnStart, 1, nil))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
