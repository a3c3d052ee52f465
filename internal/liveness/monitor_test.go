package liveness

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeProbe struct {
	link, connected bool
}

func (p *fakeProbe) LinkUp() bool    { return p.link }
func (p *fakeProbe) Connected() bool { return p.connected }

type fakeActivity struct {
	active bool
	last   time.Time
}

func (a *fakeActivity) TransferActive() bool    { return a.active }
func (a *fakeActivity) LastActivity() time.Time { return a.last }

func newTestMonitor(probe Probe, timeout time.Duration, opts ...Option) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithClock(clock.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(probe, timeout, opts...), clock
}

func TestRestartAfterTimeout(t *testing.T) {
	probe := &fakeProbe{link: true, connected: true}
	m, clock := newTestMonitor(probe, 10*time.Second)

	m.Tick()
	probe.connected = false
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		m.Tick()
		if m.RestartRequired() {
			t.Fatalf("restart raised after %d s, before the timeout", i+1)
		}
	}
	clock.advance(time.Second)
	m.Tick()
	if !m.RestartRequired() {
		t.Fatal("restart not raised after the timeout")
	}

	clock.advance(time.Second)
	m.Tick()
	if !m.RestartRequired() {
		t.Error("flag must stay raised while disconnected")
	}

	probe.connected = true
	m.Tick()
	if m.RestartRequired() {
		t.Error("flag must clear once connectivity is healthy")
	}
}

func TestLinkAndTransportBothRequired(t *testing.T) {
	probe := &fakeProbe{link: false, connected: true}
	m, clock := newTestMonitor(probe, 5*time.Second)
	start := m.LastOK()

	clock.advance(3 * time.Second)
	m.Tick()
	if !m.LastOK().Equal(start) {
		t.Error("link down must not count as healthy")
	}

	probe.link, probe.connected = true, false
	clock.advance(3 * time.Second)
	m.Tick()
	if !m.RestartRequired() {
		t.Error("transport down past the timeout should raise the flag")
	}
}

func TestZeroTimeoutDisables(t *testing.T) {
	probe := &fakeProbe{}
	m, clock := newTestMonitor(probe, 2*time.Second)

	clock.advance(5 * time.Second)
	m.Tick()
	if !m.RestartRequired() {
		t.Fatal("expected restart flag")
	}

	m.SetTimeout(0)
	if m.RestartRequired() {
		t.Error("disabling must clear the flag")
	}
	clock.advance(time.Hour)
	m.Tick()
	if m.RestartRequired() {
		t.Error("disabled monitor raised the flag")
	}

	m.SetTimeout(-time.Second)
	m.Tick()
	if m.RestartRequired() {
		t.Error("negative timeout must disable the monitor")
	}
}

func TestStallDetection(t *testing.T) {
	probe := &fakeProbe{link: true, connected: true}
	activity := &fakeActivity{}
	m, clock := newTestMonitor(probe, 0, WithStallTimeout(activity, 30*time.Second))

	activity.last = clock.t
	clock.advance(time.Minute)
	m.Tick()
	if m.Stalled() {
		t.Fatal("idle session must not count as stalled")
	}

	activity.active = true
	m.Tick()
	if !m.Stalled() {
		t.Fatal("active transfer without activity should be stalled")
	}

	activity.last = clock.t
	m.Tick()
	if m.Stalled() {
		t.Error("fresh activity must clear the stall flag")
	}
	if m.RestartRequired() {
		t.Error("stall must not raise the connectivity flag")
	}
}

func TestProbeFuncs(t *testing.T) {
	p := ProbeFuncs{Transport: func() bool { return true }}
	if !p.LinkUp() || !p.Connected() {
		t.Error("nil link should count as up")
	}
	p = ProbeFuncs{Link: func() bool { return false }}
	if p.LinkUp() || p.Connected() {
		t.Error("ProbeFuncs ignored its functions")
	}
}
