package turn

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/harunnryd/duplex/pkg/bargein"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/protocol"
)

const (
	evAgentTurnStart       = "agent_turn_start"
	evAgentTurnEnd         = "agent_turn_end"
	evToolCall             = "tool_call"
	evToolsDone            = "tools_done"
	evTransportClosed      = "transport_closed"
	evTransportReconnected = "transport_reconnected"
)

func newTransitions() *fsm.FSM {
	var (
		idle      = StateIdle.String()
		user      = StateUserTurn.String()
		agent     = StateAgentTurn.String()
		tool      = StateToolExecuting.String()
		reconnect = StateReconnecting.String()
	)
	return fsm.NewFSM(idle, fsm.Events{
		{Name: evAgentTurnStart, Src: []string{idle, user, agent}, Dst: agent},
		{Name: evAgentTurnEnd, Src: []string{agent}, Dst: user},
		{Name: evToolCall, Src: []string{idle, user, agent, tool}, Dst: tool},
		{Name: evToolsDone, Src: []string{tool}, Dst: user},
		{Name: evTransportClosed, Src: []string{idle, user, agent, tool, reconnect}, Dst: reconnect},
		{Name: evTransportReconnected, Src: []string{reconnect}, Dst: idle},
	}, fsm.Callbacks{})
}

type Options struct {
	Detector     *bargein.Detector
	Strategy     Strategy
	OutputFormat frames.Format
	Logger       *slog.Logger
}

// Machine is the single owner of turn state. Every mutation goes through
// HandleEvent, which returns the effects the caller must apply in order.
type Machine struct {
	mu          sync.Mutex
	fsm         *fsm.FSM
	detector    *bargein.Detector
	strategy    Strategy
	format      frames.Format
	seq         frames.SeqGen
	pending     map[string]protocol.ToolCall
	interrupted bool
	listeners   []StateListener
	logger      *slog.Logger
}

func NewMachine(opts Options) *Machine {
	if opts.Detector == nil {
		opts.Detector = bargein.New(bargein.Options{})
	}
	if opts.Strategy == nil {
		opts.Strategy = AggressiveStrategy{}
	}
	if opts.OutputFormat.SampleRate == 0 {
		opts.OutputFormat = frames.PCM16(24000)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		fsm:      newTransitions(),
		detector: opts.Detector,
		strategy: opts.Strategy,
		format:   opts.OutputFormat,
		pending:  make(map[string]protocol.ToolCall),
		logger:   opts.Logger,
	}
}

type step struct {
	effects []Effect
	changes []StateChange
}

func (s *step) emit(effects ...Effect) { s.effects = append(s.effects, effects...) }

// HandleEvent applies one event and returns its effects. Unknown or
// out-of-place events return nil and leave the state untouched.
func (m *Machine) HandleEvent(ev Event) []Effect {
	st := &step{}
	m.mu.Lock()
	switch e := ev.(type) {
	case AudioFrameReceived:
		m.onAudio(st, e)
	case AgentTurnStarted:
		m.onAgentTurnStarted(st)
	case AgentTurnEnded:
		m.onAgentTurnEnded(st)
	case ToolCallRequested:
		m.onToolCall(st, e)
	case ToolCallCompleted:
		m.onToolCompleted(st, e)
	case VadScore:
		m.onVadScore(st, e)
	case KeepAlive:
		st.emit(SendMessage{Message: protocol.NewPong(e.EventID)})
	case TransportClosed:
		m.onTransportClosed(st)
	case TransportReconnected:
		m.onTransportReconnected(st)
	case BargeInAcknowledged:
		m.onBargeInAck(st)
	default:
		m.logger.Warn("turn_event_unknown", "event", ev)
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, change := range st.changes {
		for _, listener := range listeners {
			listener.OnStateChange(change)
		}
	}
	return st.effects
}

func (m *Machine) current() State {
	return parseState(m.fsm.Current())
}

// move fires a transition. A self-loop is allowed and records no change.
func (m *Machine) move(st *step, event, reason string) bool {
	from := m.current()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return true
		}
		m.logger.Warn("turn_transition_rejected", "event", event, "state", from.String(), "error", err)
		return false
	}
	to := m.current()
	m.logger.Debug("turn_transition", "from", from.String(), "to", to.String(), "reason", reason)
	st.changes = append(st.changes, StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	return true
}

func (m *Machine) clearBargeIn() {
	m.interrupted = false
	m.detector.Reset()
}

func (m *Machine) onAudio(st *step, e AudioFrameReceived) {
	state := m.current()
	if len(e.Audio) == 0 || state == StateReconnecting {
		return
	}
	if state == StateAgentTurn && m.interrupted {
		return
	}
	chunk := frames.NewAudioChunkFromPool(m.seq.Next(), e.Audio, m.format, map[string]string{
		frames.MetaSource: "remote",
	})
	st.emit(EnqueuePlayback{Chunk: chunk})
}

func (m *Machine) onAgentTurnStarted(st *step) {
	state := m.current()
	if state == StateToolExecuting || state == StateReconnecting {
		m.logger.Info("agent_turn_start_ignored", "state", state.String())
		return
	}
	if !m.move(st, evAgentTurnStart, "agent response started") {
		return
	}
	m.clearBargeIn()
	st.emit(GateMic{Open: false}, InterruptPlayback{Reason: "agent_turn_start"})
}

func (m *Machine) onAgentTurnEnded(st *step) {
	if m.current() != StateAgentTurn {
		return
	}
	if !m.move(st, evAgentTurnEnd, "agent response finished") {
		return
	}
	m.clearBargeIn()
	st.emit(GateMic{Open: true})
}

func (m *Machine) onToolCall(st *step, e ToolCallRequested) {
	state := m.current()
	if state == StateReconnecting {
		m.logger.Warn("tool_call_ignored", "tool_call_id", e.Call.ID, "state", state.String())
		return
	}
	if _, dup := m.pending[e.Call.ID]; dup {
		m.logger.Warn("tool_call_duplicate", "tool_call_id", e.Call.ID, "tool_name", e.Call.Name)
		return
	}
	if !m.move(st, evToolCall, "tool call "+e.Call.Name) {
		return
	}
	m.pending[e.Call.ID] = e.Call
	m.clearBargeIn()
	st.emit(GateMic{Open: false}, DispatchTool{Call: e.Call})
}

func (m *Machine) onToolCompleted(st *step, e ToolCallCompleted) {
	call, ok := m.pending[e.ID]
	if !ok {
		m.logger.Warn("tool_result_unknown_id", "tool_call_id", e.ID)
		return
	}
	delete(m.pending, e.ID)
	resp, err := protocol.NewToolResponse(e.ID, e.Result)
	if err != nil {
		m.logger.Warn("tool_result_encode_failed", "tool_call_id", e.ID, "tool_name", call.Name, "error", err)
		resp, _ = protocol.NewToolResponse(e.ID, protocol.ErrorResult(err.Error()))
	}
	st.emit(SendMessage{Message: resp})
	if len(m.pending) > 0 {
		return
	}
	if m.move(st, evToolsDone, "tool calls complete") {
		st.emit(GateMic{Open: true})
	}
}

func (m *Machine) onVadScore(st *step, e VadScore) {
	if !m.strategy.BargeInEnabled() {
		return
	}
	agentTurn := m.current() == StateAgentTurn
	res := m.detector.Observe(e.Score, agentTurn)
	switch {
	case res.Started && agentTurn && !m.interrupted:
		m.interrupted = true
		m.logger.Info("barge_in_detected", "vad_score", e.Score)
		st.emit(InterruptPlayback{Reason: "barge_in"})
	case res.Stopped:
		m.interrupted = false
	}
}

func (m *Machine) onTransportClosed(st *step) {
	if m.current() == StateReconnecting {
		return
	}
	if !m.move(st, evTransportClosed, "transport closed") {
		return
	}
	if n := len(m.pending); n > 0 {
		m.logger.Warn("tool_calls_abandoned", "count", n)
		m.pending = make(map[string]protocol.ToolCall)
	}
	m.clearBargeIn()
	st.emit(GateMic{Open: false}, InterruptPlayback{Reason: "transport_closed"})
}

func (m *Machine) onTransportReconnected(st *step) {
	if m.current() != StateReconnecting {
		return
	}
	if m.move(st, evTransportReconnected, "transport reconnected") {
		st.emit(GateMic{Open: true})
	}
}

func (m *Machine) onBargeInAck(st *step) {
	if m.current() == StateReconnecting {
		return
	}
	m.clearBargeIn()
	st.emit(InterruptPlayback{Reason: "remote_interruption"})
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

func (m *Machine) MicOpen() bool {
	return m.State().MicOpen()
}

func (m *Machine) Interrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// Pending returns the outstanding tool call ids, sorted.
func (m *Machine) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetOutputFormat changes the format stamped on chunks decoded from now on.
func (m *Machine) SetOutputFormat(f frames.Format) {
	m.mu.Lock()
	m.format = f
	m.mu.Unlock()
}

func (m *Machine) Strategy() Strategy { return m.strategy }

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
