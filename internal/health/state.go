// Package health owns the downstream connection state and keeps probing the
// MCP server until it is reachable.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lfsm "github.com/looplab/fsm"
	"go.uber.org/zap"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

const (
	eventDial = "dial"
	eventUp   = "up"
	eventDown = "down"
)

// Connection is the connection state shared by a monitor and its gateway.
// Each gateway gets its own instance; there is no package-level state.
type Connection struct {
	machine *lfsm.FSM
	logger  *zap.Logger

	mu      sync.RWMutex
	changed time.Time
}

func NewConnection(logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		logger:  logger.With(zap.String("component", "connection_state")),
		changed: time.Now(),
	}
	c.machine = lfsm.NewFSM(
		string(Disconnected),
		lfsm.Events{
			{Name: eventDial, Src: []string{string(Disconnected)}, Dst: string(Connecting)},
			{Name: eventUp, Src: []string{string(Disconnected), string(Connecting), string(Connected)}, Dst: string(Connected)},
			{Name: eventDown, Src: []string{string(Disconnected), string(Connecting), string(Connected)}, Dst: string(Disconnected)},
		},
		lfsm.Callbacks{
			"enter_state": func(_ context.Context, e *lfsm.Event) {
				c.mu.Lock()
				c.changed = time.Now()
				c.mu.Unlock()
				c.logger.Info("Connection state changed", zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
			},
		},
	)
	return c
}

func (c *Connection) Current() State {
	return State(c.machine.Current())
}

func (c *Connection) Connected() bool {
	return c.Current() == Connected
}

// Since returns when the state last changed.
func (c *Connection) Since() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// MarkDown demotes the connection after a connection-level transport failure.
func (c *Connection) MarkDown(cause error) {
	if c.Current() != Disconnected {
		c.logger.Warn("Marking MCP server disconnected", zap.Error(cause))
	}
	c.fire(eventDown)
}

func (c *Connection) dial() { c.fire(eventDial) }
func (c *Connection) up()   { c.fire(eventUp) }
func (c *Connection) down() { c.fire(eventDown) }

// fire ignores self-transitions and events the current state does not accept.
// Transitions never depend on a caller's context: a cancelled caller must not
// leave the state half-changed.
func (c *Connection) fire(event string) {
	err := c.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition lfsm.NoTransitionError
	var invalid lfsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return
	}
	c.logger.Error("Connection state transition failed", zap.String("event", event), zap.Error(err))
}
