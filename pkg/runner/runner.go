// Package runner drives a long-running service with start and stop hooks
// and a bounded drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Service is the work a runner drives. Run blocks until ctx ends or the
// service fails.
type Service interface {
	Run(ctx context.Context) error
}

type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

type Hooks struct {
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

const Version = "dev"

// PrintBanner writes the startup banner to out. A nil out prints nothing.
func PrintBanner(out io.Writer) {
	if out == nil {
		return
	}
	tpl := "{{ .Title \"DUPLEX\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(out, true, false, bytes.NewBufferString(tpl))
}
