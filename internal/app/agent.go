package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"netsync/internal/config"
	"netsync/internal/file"
	"netsync/internal/node"
	"netsync/internal/transport"
	"netsync/internal/writer"
	"netsync/pkg/utils"
)

// ErrRestartRequired is returned by AgentApp.Run when the process should be
// restarted by its supervisor. The concrete error is a *node.RestartError.
var ErrRestartRequired = node.ErrRestartRequired

// AgentOption configures an AgentApp
type AgentOption func(*AgentApp)

// WithAgentTransport replaces the configured transport
func WithAgentTransport(t transport.Transport) AgentOption {
	return func(a *AgentApp) {
		a.transport = t
	}
}

// WithCodeDisplay sets where the peer session code is shown
func WithCodeDisplay(d CodeDisplay) AgentOption {
	return func(a *AgentApp) {
		a.display = d
	}
}

// WithHooks sets the application callbacks run on the node loop
func WithHooks(h node.Hooks) AgentOption {
	return func(a *AgentApp) {
		a.hooks = h
	}
}

// AgentApp implements the device side: it receives files and firmware
// images and keeps the link alive.
type AgentApp struct {
	config    *config.Config
	logger    *slog.Logger
	transport transport.Transport
	display   CodeDisplay
	hooks     node.Hooks
}

// NewAgentApp creates a new agent application
func NewAgentApp(cfg *config.Config, logger *slog.Logger, opts ...AgentOption) *AgentApp {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AgentApp{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.hooks == nil {
		a.hooks = &agentHooks{logger: logger.With("component", "agent")}
	}
	return a
}

// Run serves sync requests until ctx is cancelled or a restart is required.
func (a *AgentApp) Run(ctx context.Context) error {
	root, err := utils.ResolveStorageRoot(a.config.Storage.Root)
	if err != nil {
		return err
	}
	files, err := file.NewRootedFileService(root)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	slotDir := a.config.Firmware.SlotDir
	if !filepath.IsAbs(slotDir) {
		slotDir = filepath.Join(root, slotDir)
	}
	slot, err := file.NewRootedFileService(slotDir)
	if err != nil {
		return fmt.Errorf("failed to open firmware slot: %w", err)
	}
	if record, err := writer.ReadBootRecord(slot); err == nil {
		a.logger.Info("staged firmware image pending apply", "md5", record.MD5,
			"size", record.Size, "staged_at", record.StagedAt)
	}

	image := writer.ExecutableImage(a.config.Firmware.CurrentImage)
	fileWriter := writer.New(
		writer.NewFileBackend(files, a.config.Storage.Staging, reservedUnder(root, slotDir)...),
		writer.WithLogger(a.logger))
	firmwareWriter := writer.New(
		writer.NewFirmwareBackend(slot, a.config.Firmware.MaxImageSize, image),
		writer.WithLogger(a.logger))

	t := a.transport
	if t == nil {
		if t, err = a.newTransport(ctx); err != nil {
			return err
		}
	}

	opts := node.OptionsFromConfig(a.config)
	opts.Image = image

	a.logger.Info("agent starting", "root", root, "transport", a.config.Transport.Kind,
		"prefix", a.config.MQTT.Prefix, "sync_enabled", a.config.Sync.Enabled)
	err = node.New(t, fileWriter, firmwareWriter, opts, a.hooks, a.logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}
	a.logger.Info("agent stopped")
	return nil
}

func (a *AgentApp) newTransport(ctx context.Context) (transport.Transport, error) {
	switch a.config.Transport.Kind {
	case config.TransportWebRTC:
		sig, err := newSignaller(ctx, a.config, a.logger)
		if err != nil {
			return nil, err
		}
		return transport.NewOfferingPeer(a.config.WebRTC, sig, a.showCode, a.logger), nil
	default:
		return newMQTTTransport(ctx, a.config, nil, a.logger)
	}
}

func (a *AgentApp) showCode(code string) {
	if a.display != nil {
		a.display.ShowCode(code)
		return
	}
	a.logger.Info("waiting for push", "code", code)
}

// reservedUnder returns dir relative to root when it lies inside root.
func reservedUnder(root, dir string) []string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	return []string{filepath.ToSlash(rel)}
}

// agentHooks logs what the node reports.
type agentHooks struct {
	node.NopHooks
	logger *slog.Logger
}

func (h *agentHooks) OnConnect() {
	h.logger.Info("link up")
}

func (h *agentHooks) OnDisconnect(err error) {
	h.logger.Info("link down", "error", err)
}

func (h *agentHooks) OnFileCommitted(name string) {
	h.logger.Info("file replaced", "name", name)
}

func (h *agentHooks) OnString(topic, payload string, retained bool) {
	h.logger.Debug("message", "topic", topic, "payload", payload, "retained", retained)
}
