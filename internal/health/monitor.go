package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultRetryDelay   = 10 * time.Second
)

type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// CapabilityCheck runs after a successful probe during (re)initialization.
// Its failure is logged and does not undo the connection.
type CapabilityCheck func(ctx context.Context) error

type Option func(*Monitor)

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithRetryDelay sets the fixed delay between reconnect attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retry = backoff.NewConstantBackOff(d)
		}
	}
}

func WithCapabilityCheck(check CapabilityCheck) Option {
	return func(m *Monitor) { m.check = check }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	LastProbe    time.Time `json:"lastProbe,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	RetryPending bool      `json:"retryPending"`
}

// Monitor probes the downstream server and reconnects in the background.
// Retries run at a fixed delay until success or Close; there is no circuit breaker.
type Monitor struct {
	conn         *Connection
	prober       Prober
	check        CapabilityCheck
	probeTimeout time.Duration
	retry        *backoff.ConstantBackOff
	logger       *zap.Logger

	flight singleflight.Group
	base   context.Context
	stop   context.CancelFunc

	mu        sync.Mutex
	timer     *time.Timer
	closed    bool
	lastProbe time.Time
	lastErr   error
}

func NewMonitor(conn *Connection, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		conn:         conn,
		prober:       prober,
		probeTimeout: DefaultProbeTimeout,
		retry:        backoff.NewConstantBackOff(DefaultRetryDelay),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "health_monitor"))
	m.base, m.stop = context.WithCancel(context.Background())
	return m
}

func (m *Monitor) Connection() *Connection { return m.conn }

// Start makes the first connection attempt in the background.
func (m *Monitor) Start() {
	go m.Initialize(m.base)
}

// Probe checks downstream health. Concurrent callers share one in-flight check.
func (m *Monitor) Probe(ctx context.Context) bool {
	return m.run(ctx, "probe", false)
}

// Initialize probes and, on success, runs the capability check.
func (m *Monitor) Initialize(ctx context.Context) bool {
	return m.run(ctx, "initialize", true)
}

// run shares one in-flight check per key. The shared work runs under the
// monitor's own context, so a caller that gives up only stops waiting.
func (m *Monitor) run(ctx context.Context, key string, confirm bool) bool {
	ch := m.flight.DoChan(key, func() (interface{}, error) {
		ok := m.probeOnce(m.base)
		if ok && confirm && m.check != nil {
			if err := m.check(m.base); err != nil {
				m.logger.Warn("MCP server is reachable but the capability check failed", zap.Error(err))
			}
		}
		return ok, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) probeOnce(ctx context.Context) bool {
	if !m.conn.Connected() {
		m.conn.dial()
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(pctx)
	cancel()

	m.mu.Lock()
	m.lastProbe = time.Now()
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("MCP server health probe failed", zap.Error(err))
		m.conn.down()
		m.scheduleRetry()
		return false
	}
	m.conn.up()
	m.cancelRetry()
	return true
}

// scheduleRetry arms at most one reconnect timer.
func (m *Monitor) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.timer != nil {
		return
	}
	delay := m.retry.NextBackOff()
	m.logger.Info("Will retry MCP server connection", zap.Duration("delay", delay))
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.timer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.Initialize(m.base)
	})
}

func (m *Monitor) cancelRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// RetryPending reports whether a reconnect timer is armed.
func (m *Monitor) RetryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		LastProbe:    m.lastProbe,
		RetryPending: m.timer != nil,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	s.State = m.conn.Current()
	s.Since = m.conn.Since()
	return s
}

// Close cancels any pending reconnect and background probe.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.stop()
}
