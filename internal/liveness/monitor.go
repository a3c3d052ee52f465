// Package liveness watches connectivity and transfer progress and raises
// restart flags for an external supervisor. It never restarts anything
// itself.
package liveness

import (
	"log/slog"
	"net"
	"time"
)

// Probe samples connectivity.
type Probe interface {
	// LinkUp reports whether the network link is usable.
	LinkUp() bool
	// Connected reports whether the transport session is established.
	Connected() bool
}

// Activity exposes the progress of the current transfer.
type Activity interface {
	TransferActive() bool
	LastActivity() time.Time
}

// Monitor is driven by Tick from the owning event loop and is not safe for
// concurrent use.
type Monitor struct {
	probe   Probe
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	activity     Activity
	stallTimeout time.Duration

	lastOK  time.Time
	restart bool
	stalled bool
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithStallTimeout raises the stall flag when a transfer is active but has
// seen no sync activity for timeout. Zero disables the check.
func WithStallTimeout(activity Activity, timeout time.Duration) Option {
	return func(m *Monitor) {
		m.activity = activity
		m.stallTimeout = timeout
	}
}

// New creates a monitor. A timeout <= 0 disables the connectivity check.
// The grace period starts at construction.
func New(probe Probe, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		probe:   probe,
		timeout: timeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "liveness")
	m.lastOK = m.now()
	return m
}

// SetTimeout changes the connectivity timeout. A value <= 0 disables the
// check and clears a pending restart flag.
func (m *Monitor) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
	if timeout <= 0 {
		m.restart = false
	}
}

// Tick samples the probe and updates the flags.
func (m *Monitor) Tick() {
	now := m.now()
	if m.probe.LinkUp() && m.probe.Connected() {
		m.lastOK = now
	}

	if m.timeout > 0 {
		if now.Sub(m.lastOK) > m.timeout {
			if !m.restart {
				m.logger.Warn("network watchdog requesting restart",
					"last_ok", m.lastOK, "timeout", m.timeout)
				m.restart = true
			}
		} else {
			m.restart = false
		}
	}

	if m.activity == nil || m.stallTimeout <= 0 {
		return
	}
	if m.activity.TransferActive() && now.Sub(m.activity.LastActivity()) > m.stallTimeout {
		if !m.stalled {
			m.logger.Warn("transfer stalled, requesting restart",
				"last_activity", m.activity.LastActivity(), "timeout", m.stallTimeout)
			m.stalled = true
		}
	} else {
		m.stalled = false
	}
}

// RestartRequired reports whether connectivity has been lost for longer
// than the timeout.
func (m *Monitor) RestartRequired() bool {
	return m.restart
}

// Stalled reports whether the active transfer has stopped making progress.
func (m *Monitor) Stalled() bool {
	return m.stalled
}

// LastOK returns the last time the link and transport were both up.
func (m *Monitor) LastOK() time.Time {
	return m.lastOK
}

// InterfaceLink reports whether any non-loopback interface is up and has
// an address.
func InterfaceLink() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// ProbeFuncs adapts two functions to a Probe. A nil Link counts as up.
type ProbeFuncs struct {
	Link      func() bool
	Transport func() bool
}

func (p ProbeFuncs) LinkUp() bool {
	return p.Link == nil || p.Link()
}

func (p ProbeFuncs) Connected() bool {
	return p.Transport != nil && p.Transport()
}
