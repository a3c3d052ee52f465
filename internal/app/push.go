package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"netsync/internal/config"
	"netsync/internal/file"
	"netsync/internal/protocol"
	"netsync/internal/transport"
	"netsync/pkg/types"
)

var (
	ErrSyncDisabled    = errors.New("remote sync is disabled on the device")
	ErrReplyTimeout    = errors.New("timed out waiting for device reply")
	ErrUnexpectedReply = errors.New("unexpected device reply")
	ErrConnectTimeout  = errors.New("timed out connecting to device")
)

// Push steps named in a RejectedError.
const (
	StepBegin  = "begin"
	StepOpen   = "open"
	StepAdd    = "add"
	StepCommit = "commit"
)

// retryDelay paces publishes the transport pushed back on.
const retryDelay = 10 * time.Millisecond

const replyBuffer = 64

// RejectedError carries a device error reply.
type RejectedError struct {
	Step  string
	Reply string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device rejected %s: %s", e.Step, e.Reply)
}

// PushOptions configures a push
type PushOptions struct {
	FilePath string // Required: local file to push
	Name     string // Remote name, defaults to the file's base name
	Firmware bool   // Push as the firmware image
	Code     string // Session code for the webrtc transport
}

// PushOption configures a PushApp
type PushOption func(*PushApp)

// WithPushTransport replaces the configured transport
func WithPushTransport(t transport.Transport) PushOption {
	return func(p *PushApp) {
		p.transport = t
	}
}

// WithProgress sets the progress display
func WithProgress(progress Progress) PushOption {
	return func(p *PushApp) {
		p.progress = progress
	}
}

// WithCodePrompter sets how a missing session code is asked for
func WithCodePrompter(prompter CodePrompter) PushOption {
	return func(p *PushApp) {
		p.prompter = prompter
	}
}

// WithFs sets the filesystem the pushed file is read from
func WithFs(fs afero.Fs) PushOption {
	return func(p *PushApp) {
		p.fs = fs
	}
}

// PushApp implements the remote sender of the sync handshake
type PushApp struct {
	config    *config.Config
	logger    *slog.Logger
	fs        afero.Fs
	transport transport.Transport
	progress  Progress
	prompter  CodePrompter
}

// NewPushApp creates a new push application
func NewPushApp(cfg *config.Config, logger *slog.Logger, opts ...PushOption) *PushApp {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PushApp{
		config: cfg,
		logger: logger.With("component", "push"),
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pushes opts.FilePath to the device and waits for it to be committed.
// Lost or rejected steps restart the whole handshake up to push.retries
// times.
func (p *PushApp) Run(ctx context.Context, opts *PushOptions) (*types.PushResult, error) {
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file path is required")
	}
	src, err := p.fs.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	digest, err := file.DigestReader(src)
	if err != nil {
		return nil, err
	}
	meta := types.FileMetadata{
		Name:     opts.Name,
		Size:     digest.Size,
		Checksum: digest.MD5,
	}
	if opts.Firmware {
		meta.Name = protocol.FirmwareName
	} else if meta.Name == "" {
		meta.Name = filepath.Base(opts.FilePath)
	}
	meta.Firmware = protocol.ResolveTarget(meta.Name).Kind == protocol.FirmwareTarget

	t, err := p.transportFor(ctx, opts)
	if err != nil {
		return nil, err
	}
	c := newPushClient(t, p.config.MQTT.Prefix, p.logger)
	if err := t.Connect(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}
	defer t.Close()

	if err := c.waitConnected(ctx, p.config.MQTT.ConnectTimeout); err != nil {
		return nil, err
	}

	p.logger.Info("pushing file", "path", opts.FilePath, "name", meta.Name,
		"size", meta.Size, "md5", meta.Checksum)

	start := time.Now()
	attempts := p.config.Push.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		skipped, err := p.attempt(ctx, c, src, &meta, attempt)
		if err == nil {
			result := &types.PushResult{
				FileMetadata: meta,
				Skipped:      skipped,
				Attempts:     attempt,
				Elapsed:      time.Since(start),
			}
			if p.progress != nil {
				p.progress.CompleteProgress(*result)
			}
			return result, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("push attempt failed", "attempt", attempt, "of", attempts, "error", err)
	}
	return nil, fmt.Errorf("push failed after %d attempts: %w", attempts, lastErr)
}

func (p *PushApp) transportFor(ctx context.Context, opts *PushOptions) (transport.Transport, error) {
	if p.transport != nil {
		return p.transport, nil
	}
	switch p.config.Transport.Kind {
	case config.TransportWebRTC:
		code := opts.Code
		if code == "" {
			if p.prompter == nil {
				return nil, fmt.Errorf("session code is required")
			}
			var err error
			if code, err = p.prompter.InputCode(ctx); err != nil {
				return nil, fmt.Errorf("failed to get code from user: %w", err)
			}
		}
		sig, err := newSignaller(ctx, p.config, p.logger)
		if err != nil {
			return nil, err
		}
		return transport.NewAnsweringPeer(p.config.WebRTC, sig, code, p.logger), nil
	default:
		return newMQTTTransport(ctx, p.config, nil, p.logger, transport.WithoutPresence())
	}
}

// attempt runs one full handshake. It reports whether the device already
// had the content.
func (p *PushApp) attempt(ctx context.Context, c *pushClient, src io.ReaderAt, meta *types.FileMetadata, attempt int) (bool, error) {
	timeout := p.config.Push.ReplyTimeout
	c.flush()

	reply, err := c.exchange(ctx, protocol.ActionReset, nil, timeout)
	if err != nil {
		return false, err
	}
	if reply != protocol.ReplyReady {
		return false, unexpected(protocol.ActionReset, reply)
	}

	for _, field := range []struct{ action, value string }{
		{protocol.ActionName, meta.Name},
		{protocol.ActionMD5, meta.Checksum},
	} {
		reply, err := c.exchange(ctx, field.action, []byte(field.value), timeout)
		if err != nil {
			return false, err
		}
		if reply != protocol.ReplyWaiting {
			return false, unexpected(field.action, reply)
		}
	}

	reply, err = c.exchange(ctx, protocol.ActionSize, []byte(strconv.FormatInt(meta.Size, 10)), timeout)
	if err != nil {
		return false, err
	}
	switch {
	case reply == protocol.ReplyOK:
		p.logger.Info("device already up to date", "name", meta.Name)
		return true, nil
	case reply == protocol.ReplyOpenFailed:
		return false, &RejectedError{Step: StepOpen, Reply: reply}
	case strings.HasPrefix(reply, protocol.ReplyErrorPrefix):
		return false, &RejectedError{Step: StepBegin, Reply: reply}
	case reply != "0":
		return false, unexpected(protocol.ActionSize, reply)
	}

	if p.progress != nil {
		p.progress.UpdateProgress(types.ProgressUpdate{Attempt: attempt, MetaData: meta})
	}
	if err := p.sendData(ctx, c, src, meta, attempt); err != nil {
		return false, err
	}

	reply, err = c.expect(ctx, timeout)
	if err != nil {
		return false, err
	}
	switch {
	case reply == protocol.ReplyOK:
		return false, nil
	case reply == protocol.ReplyCommitFailed, strings.HasPrefix(reply, protocol.ReplyCommitPrefix):
		return false, &RejectedError{Step: StepCommit, Reply: reply}
	default:
		return false, unexpected(protocol.ActionData, reply)
	}
}

// sendData streams the content in chunks. An empty file is sent as one
// empty chunk.
func (p *PushApp) sendData(ctx context.Context, c *pushClient, src io.ReaderAt, meta *types.FileMetadata, attempt int) error {
	timeout := p.config.Push.ReplyTimeout
	buf := make([]byte, p.config.Push.ChunkSize)

	var position int64
	for {
		n := int64(len(buf))
		if remaining := meta.Size - position; remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if n > 0 {
			if _, err := src.ReadAt(chunk, position); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read file: %w", err)
			}
		}

		reply, err := c.exchange(ctx, protocol.ActionData, chunk, timeout)
		if err != nil {
			return err
		}
		if reply == protocol.ReplyAddFailed || strings.HasPrefix(reply, protocol.ReplyAddPrefix) {
			// The device advanced past the chunk it failed to write, so the
			// staged content is lost and only a new attempt can recover.
			return &RejectedError{Step: StepAdd, Reply: reply}
		}
		if want := strconv.FormatInt(position+n, 10); reply != want {
			return unexpected(protocol.ActionData, reply)
		}

		position += n
		if p.progress != nil {
			p.progress.UpdateProgress(types.ProgressUpdate{Attempt: attempt, Position: position})
		}
		if position >= meta.Size {
			return nil
		}
	}
}

func unexpected(action, reply string) error {
	return fmt.Errorf("%w to %s: %q", ErrUnexpectedReply, action, reply)
}

// retryable reports whether a failed attempt may be started over.
func retryable(err error) bool {
	var rejected *RejectedError
	switch {
	case errors.Is(err, ErrSyncDisabled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &rejected):
		return rejected.Step == StepAdd || rejected.Step == StepCommit
	}
	return true
}

// pushClient is the transport handler of a push. It forwards status replies
// from the device to the goroutine running the handshake.
type pushClient struct {
	t      transport.Transport
	prefix string
	logger *slog.Logger

	replies   chan string
	connected chan struct{}
	once      sync.Once
}

func newPushClient(t transport.Transport, prefix string, logger *slog.Logger) *pushClient {
	return &pushClient{
		t:         t,
		prefix:    strings.TrimSuffix(prefix, "/"),
		logger:    logger,
		replies:   make(chan string, replyBuffer),
		connected: make(chan struct{}),
	}
}

func (c *pushClient) topic(suffix string) string {
	return c.prefix + "/" + suffix
}

// OnConnect subscribes to the device's replies on every (re)connect.
func (c *pushClient) OnConnect() {
	if err := c.t.Subscribe(c.topic(protocol.TopicState), 0); err != nil {
		c.logger.Warn("failed to subscribe to device replies", "error", err)
	}
	c.once.Do(func() { close(c.connected) })
}

func (c *pushClient) OnDisconnect(err error) {
	c.logger.Warn("link to device lost", "error", err)
}

func (c *pushClient) OnMessage(msg transport.Message) {
	if msg.Topic != c.topic(protocol.TopicState) || msg.Retained {
		return
	}
	select {
	case c.replies <- string(msg.Payload):
	default:
		c.logger.Warn("dropping device reply", "reply", string(msg.Payload))
	}
}

func (c *pushClient) waitConnected(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.connected:
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush drops replies left over from an earlier attempt.
func (c *pushClient) flush() {
	for {
		select {
		case <-c.replies:
		default:
			return
		}
	}
}

// exchange sends one sync message and waits for its reply.
func (c *pushClient) exchange(ctx context.Context, action string, payload []byte, timeout time.Duration) (string, error) {
	if err := c.send(ctx, action, payload, timeout); err != nil {
		return "", err
	}
	return c.expect(ctx, timeout)
}

// send publishes, waiting out backpressure and short disconnects.
func (c *pushClient) send(ctx context.Context, action string, payload []byte, timeout time.Duration) error {
	topic := c.topic(protocol.TopicPrefix + action)
	deadline := time.Now().Add(timeout)
	for {
		err := c.t.Publish(topic, 0, false, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrBackpressure) && !errors.Is(err, transport.ErrNotConnected) {
			return fmt.Errorf("failed to send %s: %w", action, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("failed to send %s: %w", action, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (c *pushClient) expect(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-c.replies:
		if reply == protocol.ReplyDisabled {
			return "", ErrSyncDisabled
		}
		return reply, nil
	case <-timer.C:
		return "", ErrReplyTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
