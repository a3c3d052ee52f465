package node

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"netsync/internal/file"
	"netsync/internal/protocol"
	"netsync/internal/transport"
	"netsync/internal/writer"
)

const prefix = "site/dev"

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	handler    transport.Handler
	published  []string
	subscribed []string
	closed     bool
}

func (f *fakeTransport) Connect(_ context.Context, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	entry := topic + "=" + string(payload)
	if retain {
		entry += " (retained)"
	}
	f.published = append(f.published, entry)
	return nil
}

func (f *fakeTransport) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) takePublished() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.published
	f.published = nil
	return p
}

type recordingHooks struct {
	NopHooks
	connects  int
	messages  []string
	strings   []string
	committed []string
}

func (h *recordingHooks) OnConnect() { h.connects++ }

func (h *recordingHooks) OnMessage(topic string, msg transport.Message) {
	h.messages = append(h.messages, topic)
}

func (h *recordingHooks) OnString(topic, payload string, retained bool) {
	h.strings = append(h.strings, topic+"="+payload)
}

func (h *recordingHooks) OnFileCommitted(name string) {
	h.committed = append(h.committed, name)
}

type fixture struct {
	node      *Node
	transport *fakeTransport
	hooks     *recordingHooks
	files     afero.Fs
}

func testOptions() Options {
	return Options{
		Prefix:           prefix,
		MaxPublish:       20,
		MaxSubscribe:     20,
		DrainInterval:    5 * time.Millisecond,
		WatchdogInterval: 5 * time.Millisecond,
		StatsInterval:    time.Hour,
		SyncEnabled:      true,
		Link:             func() bool { return true },
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		transport: &fakeTransport{connected: true},
		hooks:     &recordingHooks{},
		files:     afero.NewMemMapFs(),
	}
	fileWriter := writer.New(writer.NewFileBackend(file.NewFileService(f.files), ".netsync.tmp"),
		writer.WithLogger(logger))
	firmwareWriter := writer.New(writer.NewFirmwareBackend(file.NewFileService(afero.NewMemMapFs()), 1024, nil),
		writer.WithLogger(logger))
	f.node = New(f.transport, fileWriter, firmwareWriter, opts, f.hooks, logger)
	return f
}

func (f *fixture) receive(topic, payload string) {
	f.node.onMessage(transport.Message{
		Topic:   prefix + "/" + topic,
		Payload: []byte(payload),
		Total:   len(payload),
	})
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestConnectAnnouncesAndSubscribes(t *testing.T) {
	f := newFixture(t, testOptions())
	f.node.handle(event{kind: eventConnect})
	f.node.queue.Drain()

	want := []string{
		prefix + "/net/ping",
		prefix + "/net/sync/reset",
		prefix + "/net/sync/name",
		prefix + "/net/sync/md5",
		prefix + "/net/sync/size",
		prefix + "/net/sync/data",
		prefix + "/net/restart",
	}
	if strings.Join(f.transport.subscribed, ",") != strings.Join(want, ",") {
		t.Errorf("subscribed %v, want %v", f.transport.subscribed, want)
	}

	published := f.transport.takePublished()
	if len(published) == 0 || published[0] != prefix+"/net/connected=1 (retained)" {
		t.Fatalf("first publish = %v", published)
	}
	for _, topic := range []string{"net/address", "net/host/os", "net/host/go_version", "net/millis", "net/host/goroutines"} {
		found := false
		for _, p := range published {
			if strings.HasPrefix(p, prefix+"/"+topic+"=") {
				found = true
			}
		}
		if !found {
			t.Errorf("%s not published: %v", topic, published)
		}
	}
	if f.hooks.connects != 1 {
		t.Errorf("OnConnect calls = %d", f.hooks.connects)
	}
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, testOptions())

	f.receive("net/ping", "hello")
	f.node.onMessage(transport.Message{Topic: prefix + "/net/ping", Payload: []byte("dup"), Total: 3, Duplicate: true})
	f.receive("net/ping", strings.Repeat("x", maxStringLength))
	f.node.queue.Drain()

	published := f.transport.takePublished()
	if len(published) != 1 || published[0] != prefix+"/net/pong=hello" {
		t.Errorf("published %v, want a single pong", published)
	}
	if len(f.hooks.messages) != 3 {
		t.Errorf("OnMessage calls = %v, want all three pings", f.hooks.messages)
	}
	if len(f.hooks.strings) != 1 || f.hooks.strings[0] != "net/ping=hello" {
		t.Errorf("OnString calls = %v", f.hooks.strings)
	}
}

func TestJunkAndForeignTopicsIgnored(t *testing.T) {
	f := newFixture(t, testOptions())
	f.receive("net/junk", "...")
	f.node.onMessage(transport.Message{Topic: "other/dev/net/ping", Payload: []byte("x"), Total: 1})
	f.node.queue.Drain()

	if len(f.hooks.messages) != 0 || len(f.transport.takePublished()) != 0 {
		t.Errorf("ignored messages reached hooks %v", f.hooks.messages)
	}
}

func TestNetworkRestart(t *testing.T) {
	f := newFixture(t, testOptions())
	if f.node.restartReason() != "" {
		t.Fatal("no restart expected yet")
	}
	f.receive("net/restart", "")
	if got := f.node.restartReason(); got != ReasonNetwork {
		t.Errorf("restartReason() = %q, want %q", got, ReasonNetwork)
	}
	if len(f.hooks.strings) != 0 {
		t.Errorf("restart must not reach OnString: %v", f.hooks.strings)
	}
}

func TestSyncDisabledReplies(t *testing.T) {
	opts := testOptions()
	opts.SyncEnabled = false
	f := newFixture(t, opts)

	f.receive("net/sync/name", "cfg.json")
	f.receive("net/sync/data", "abc")
	f.node.queue.Drain()

	want := prefix + "/net/sync/state=disabled"
	published := f.transport.takePublished()
	if len(published) != 2 || published[0] != want || published[1] != want {
		t.Errorf("published %v", published)
	}
	if len(f.hooks.messages) != 0 {
		t.Errorf("sync messages must not reach OnMessage: %v", f.hooks.messages)
	}
}

func TestSyncTransferThroughNode(t *testing.T) {
	f := newFixture(t, testOptions())

	f.receive("net/sync/reset", "")
	f.receive("net/sync/name", "cfg.json")
	f.receive("net/sync/md5", md5Hex("abc"))
	f.receive("net/sync/size", "3")
	f.receive("net/sync/data", "abc")
	f.node.queue.Drain()

	var replies []string
	for _, p := range f.transport.takePublished() {
		replies = append(replies, strings.TrimPrefix(p, prefix+"/net/sync/state="))
	}
	want := []string{"ready", "waiting", "waiting", "0", "3", "ok"}
	if strings.Join(replies, ",") != strings.Join(want, ",") {
		t.Errorf("replies %v, want %v", replies, want)
	}
	if !contains(f.hooks.committed, "cfg.json") {
		t.Errorf("OnFileCommitted calls = %v", f.hooks.committed)
	}
	data, _ := afero.ReadFile(f.files, "cfg.json")
	if string(data) != "abc" {
		t.Errorf("cfg.json = %q", data)
	}
}

func TestRepliesDroppedWhileDisconnected(t *testing.T) {
	f := newFixture(t, testOptions())
	f.transport.connected = false
	f.receive("net/sync/reset", "")
	f.node.queue.Drain()
	f.transport.connected = true
	f.node.queue.Drain()
	if p := f.transport.takePublished(); len(p) != 0 {
		t.Errorf("reply published after reconnect: %v", p)
	}
}

func TestRunStopsForRestart(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- f.node.Run(ctx) }()

	h := handler{f.node}
	h.OnConnect()
	h.OnMessage(transport.Message{Topic: prefix + "/net/ping", Payload: []byte("p"), Total: 1})
	h.OnMessage(transport.Message{Topic: prefix + "/net/restart", Total: 0})

	err := <-errc
	var restart *RestartError
	if !errors.As(err, &restart) || restart.Reason != ReasonNetwork {
		t.Fatalf("Run() error = %v, want network restart", err)
	}
	if !errors.Is(err, ErrRestartRequired) {
		t.Error("RestartError must match ErrRestartRequired")
	}
	if !f.transport.closed {
		t.Error("transport not closed on exit")
	}
	if !contains(f.transport.takePublished(), prefix+"/net/pong=p") {
		t.Error("pending pong not flushed before restart")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- f.node.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestWatchdogRestart(t *testing.T) {
	opts := testOptions()
	opts.WatchdogTimeout = 20 * time.Millisecond
	f := newFixture(t, opts)
	f.transport.connected = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.node.Run(ctx)

	var restart *RestartError
	if !errors.As(err, &restart) || restart.Reason != ReasonWatchdog {
		t.Errorf("Run() error = %v, want watchdog restart", err)
	}
}

func TestFirmwareCommitRequiresRestart(t *testing.T) {
	f := newFixture(t, testOptions())
	f.receive("net/sync/name", protocol.FirmwareName)
	f.receive("net/sync/md5", md5Hex("img"))
	f.receive("net/sync/size", "3")
	f.receive("net/sync/data", "img")
	if got := f.node.restartReason(); got != ReasonFirmware {
		t.Errorf("restartReason() = %q, want %q", got, ReasonFirmware)
	}
}

type blockingHooks struct {
	NopHooks
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHooks) OnMessage(topic string, msg transport.Message) {
	h.once.Do(func() {
		close(h.entered)
		<-h.release
	})
}

type nopHandler struct{}

func (nopHandler) OnConnect()                  {}
func (nopHandler) OnDisconnect(error)          {}
func (nopHandler) OnMessage(transport.Message) {}

func TestRunReturnsOnCancelWithFullEventQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local, remote := transport.Pipe()
	hooks := &blockingHooks{entered: make(chan struct{}), release: make(chan struct{})}
	fileWriter := writer.New(writer.NewFileBackend(file.NewFileService(afero.NewMemMapFs()), ".netsync.tmp"))
	firmwareWriter := writer.New(writer.NewFirmwareBackend(file.NewFileService(afero.NewMemMapFs()), 1024, nil))
	n := New(local, fileWriter, firmwareWriter, testOptions(), hooks, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()

	if err := remote.Connect(ctx, nopHandler{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !remote.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("pipe never came up")
		}
		time.Sleep(time.Millisecond)
	}
	if err := remote.Publish(prefix+"/app/first", 0, false, []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-hooks.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first message never reached the hook")
	}
	for i := 0; i < 200; i++ {
		if err := remote.Publish(prefix+"/app/flood", 0, false, []byte("x")); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}
	// Give the pipe time to fill the events channel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(hooks.release)

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestMetadataSkipsUnknownHostname(t *testing.T) {
	saved := hostname
	hostname = func() (string, error) { return "", errors.New("no uts namespace") }
	defer func() { hostname = saved }()

	f := newFixture(t, testOptions())
	var logs bytes.Buffer
	f.node.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f.node.publishMetadata()
	f.node.queue.Drain()
	published := f.transport.takePublished()
	for _, p := range published {
		if strings.HasPrefix(p, prefix+"/"+TopicHost+"hostname=") {
			t.Errorf("hostname published despite lookup failure: %q", p)
		}
	}
	if !contains(published, prefix+"/"+TopicHost+"os="+runtime.GOOS+" (retained)") {
		t.Errorf("remaining metadata not published: %v", published)
	}
	if !strings.Contains(logs.String(), "hostname not available") || !strings.Contains(logs.String(), "no uts namespace") {
		t.Errorf("lookup failure not logged: %s", logs.String())
	}
}
