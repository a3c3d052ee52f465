// Package protocol implements the sync handshake that drives a file or
// firmware transfer over net/sync/* topics.
//
// A transfer is declared by three handshake fields (name, md5, size) that
// may arrive in any order. Once all three are set the target writer is
// begun and opened, and data chunks are appended until the declared size
// is reached, at which point the content is verified and committed. Every
// step answers on net/sync/state. Lost chunks are recovered only by the
// sender reacting to those answers; the session never buffers or retries.
package protocol

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"netsync/internal/transport"
	"netsync/internal/writer"
)

// Topics relative to the device prefix.
const (
	TopicPrefix = "net/sync/"
	TopicState  = TopicPrefix + "state"
)

// Actions carried as the last topic segment.
const (
	ActionReset = "reset"
	ActionName  = "name"
	ActionMD5   = "md5"
	ActionSize  = "size"
	ActionData  = "data"
)

// Status replies published on TopicState. Progress is reported as the
// decimal write position.
const (
	ReplyReady        = "ready"
	ReplyWaiting      = "waiting"
	ReplyOK           = "ok"
	ReplyDisabled     = "disabled"
	ReplyNotReady     = "error: not ready for data"
	ReplyAddFailed    = "error: add failed"
	ReplyCommitFailed = "error: commit failed"
	ReplyOpenFailed   = "error: open failed"
	ReplyBeginFailed  = "error: begin failed"
	ReplyAddPrefix    = "error: add - "
	ReplyCommitPrefix = "error: commit - "
	ReplyBeginPrefix  = "error: begin - "
	ReplyErrorPrefix  = "error: "
)

// MaxFieldLength bounds handshake payloads. Longer or fragmented
// name/md5/size messages are ignored.
const MaxFieldLength = 256

// Publisher queues a reply. queue.Queue satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload string) error
}

// Session owns the transfer descriptor and the two writers. It is not safe
// for concurrent use.
type Session struct {
	publisher Publisher
	file      *writer.Writer
	firmware  *writer.Writer
	logger    *slog.Logger
	now       func() time.Time

	onFileCommitted func(name string)

	enabled         bool
	desc            Descriptor
	target          Target
	base            int64 // writer position when the current data message started
	restartRequired bool
	lastActivity    time.Time
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithFileCommitted sets the callback run after a file target is committed.
func WithFileCommitted(fn func(name string)) Option {
	return func(s *Session) {
		s.onFileCommitted = fn
	}
}

// WithEnabled sets the initial state of the remote sync switch.
func WithEnabled(enabled bool) Option {
	return func(s *Session) {
		s.enabled = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an idle session replying through publisher.
func NewSession(publisher Publisher, file, firmware *writer.Writer, opts ...Option) *Session {
	s := &Session{
		publisher: publisher,
		file:      file,
		firmware:  firmware,
		logger:    slog.Default(),
		now:       time.Now,
		desc:      newDescriptor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

func (s *Session) SetEnabled(enabled bool) {
	s.enabled = enabled
}

func (s *Session) Enabled() bool {
	return s.enabled
}

// Descriptor returns a copy of the pending transfer metadata.
func (s *Session) Descriptor() Descriptor {
	return s.desc
}

// RestartRequired reports whether a firmware image has been committed and
// needs a restart to take effect.
func (s *Session) RestartRequired() bool {
	return s.restartRequired
}

// TransferActive reports whether a target is open and waiting for data.
func (s *Session) TransferActive() bool {
	return s.desc.Ready() && s.writerFor(s.target).IsOpen()
}

// LastActivity returns when the session last accepted a sync message.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// Abort drops the pending transfer without replying.
func (s *Session) Abort() {
	s.desc.Clear()
	s.abortAll()
}

// Handle processes one message received on net/sync/<action>.
func (s *Session) Handle(action string, msg transport.Message) {
	if !s.enabled {
		s.reply(ReplyDisabled)
		return
	}
	if msg.Retained || msg.Duplicate {
		s.logger.Debug("ignoring replayed sync message", "action", action,
			"retained", msg.Retained, "duplicate", msg.Duplicate)
		return
	}
	s.lastActivity = s.now()

	switch action {
	case ActionReset:
		s.Abort()
		s.reply(ReplyReady)
	case ActionData:
		s.data(msg)
	case ActionName, ActionMD5, ActionSize:
		s.field(action, msg)
	default:
		s.logger.Debug("ignoring unknown sync action", "action", action)
	}
}

func (s *Session) field(action string, msg transport.Message) {
	if !msg.Whole() || len(msg.Payload) >= MaxFieldLength {
		s.logger.Debug("ignoring oversized or fragmented handshake field", "action", action,
			"index", msg.Index, "len", len(msg.Payload), "total", msg.Total)
		return
	}

	value := string(msg.Payload)
	switch action {
	case ActionName:
		s.desc.Name = value
	case ActionMD5:
		s.desc.Checksum = strings.ToLower(strings.TrimSpace(value))
	case ActionSize:
		s.desc.Size = parseSize(value)
	}

	if !s.desc.Ready() {
		s.reply(ReplyWaiting)
		return
	}
	s.start()
}

// start begins the transfer described by the now complete descriptor.
func (s *Session) start() {
	s.abortAll()
	s.target = ResolveTarget(s.desc.Name)
	w := s.writerFor(s.target)

	s.logger.Info("transfer declared", "target", s.target.Kind, "name", s.desc.Name,
		"md5", s.desc.Checksum, "size", s.desc.Size)

	if err := w.Begin(s.target.Path, s.desc.Checksum, s.desc.Size); err != nil {
		s.logger.Warn("begin failed", "target", s.target.Kind, "name", s.desc.Name, "error", err)
		if s.target.Kind == FirmwareTarget {
			s.reply(ReplyBeginPrefix + err.Error())
		} else {
			s.reply(ReplyBeginFailed)
		}
		return
	}

	if w.UpToDate() {
		w.Abort()
		s.desc.Clear()
		s.reply(ReplyOK)
		return
	}

	if err := w.Open(); err != nil {
		s.logger.Warn("open failed", "target", s.target.Kind, "name", s.desc.Name, "error", err)
		s.reply(ReplyOpenFailed)
		return
	}
	s.base = 0
	s.reply(strconv.FormatInt(w.Position(), 10))
}

func (s *Session) data(msg transport.Message) {
	if !s.desc.Ready() {
		s.reply(ReplyNotReady)
		return
	}
	w := s.writerFor(s.target)

	var err error
	if msg.Index == 0 {
		s.base = w.Position()
		err = w.Add(msg.Payload)
	} else {
		err = w.AddAt(msg.Payload, s.base+int64(msg.Index))
	}
	if err != nil {
		s.logger.Warn("add failed", "target", s.target.Kind, "name", s.desc.Name, "error", err)
		if s.target.Kind == FirmwareTarget {
			s.reply(ReplyAddPrefix + err.Error())
		} else {
			s.reply(ReplyAddFailed)
		}
		return
	}

	s.reply(strconv.FormatInt(w.Position(), 10))
	if w.Position() >= s.desc.Size {
		s.commit(w)
	}
}

func (s *Session) commit(w *writer.Writer) {
	name := s.desc.Name
	s.desc.Clear()

	if err := w.Commit(); err != nil {
		s.logger.Warn("commit failed", "target", s.target.Kind, "name", name, "error", err)
		if s.target.Kind == FirmwareTarget {
			s.reply(ReplyCommitPrefix + err.Error())
		} else {
			s.reply(ReplyCommitFailed)
		}
		return
	}

	s.reply(ReplyOK)
	if s.target.Kind == FirmwareTarget {
		s.logger.Info("firmware staged, restart required")
		s.restartRequired = true
		return
	}
	s.logger.Info("file committed", "name", name)
	if s.onFileCommitted != nil {
		s.onFileCommitted(name)
	}
}

func (s *Session) abortAll() {
	s.firmware.Abort()
	s.file.Abort()
}

func (s *Session) writerFor(t Target) *writer.Writer {
	if t.Kind == FirmwareTarget {
		return s.firmware
	}
	return s.file
}

func (s *Session) reply(payload string) {
	if err := s.publisher.Publish(TopicState, 0, false, payload); err != nil {
		s.logger.Debug("reply dropped", "payload", payload, "error", err)
	}
}
