package turn

import "time"

type State int

const (
	StateIdle State = iota
	StateUserTurn
	StateAgentTurn
	StateToolExecuting
	StateReconnecting
)

var stateNames = map[State]string{
	StateIdle:          "IDLE",
	StateUserTurn:      "USER_TURN",
	StateAgentTurn:     "AGENT_TURN",
	StateToolExecuting: "TOOL_EXECUTING",
	StateReconnecting:  "RECONNECTING",
}

// String returns the string representation of a State
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func parseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateIdle
}

// MicOpen reports whether the user may speak in state s.
func (s State) MicOpen() bool {
	return s == StateIdle || s == StateUserTurn
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// Strategy decides how the machine reacts to user speech during agent audio.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

func StrategyFor(bargeIn bool) Strategy {
	if bargeIn {
		return AggressiveStrategy{}
	}
	return PoliteStrategy{}
}
