package app

import (
	"context"
	"fmt"
	"log/slog"

	"netsync/internal/config"
	"netsync/internal/discovery"
	"netsync/internal/signalling"
	"netsync/internal/transport"
)

// resolveBroker returns the broker to connect to. With discovery enabled
// an mDNS answer wins and the configured broker is the fallback.
func resolveBroker(ctx context.Context, cfg *config.Config, browser discovery.Browser, logger *slog.Logger) (string, error) {
	if !cfg.Discovery.Enabled {
		return cfg.MQTT.Broker, nil
	}
	broker, err := discovery.FindBroker(ctx, cfg.Discovery, cfg.MQTT.TLS, browser, logger)
	if err == nil {
		return broker, nil
	}
	if cfg.MQTT.Broker == "" {
		return "", fmt.Errorf("broker discovery failed: %w", err)
	}
	logger.Warn("broker discovery failed, using configured broker", "broker", cfg.MQTT.Broker, "error", err)
	return cfg.MQTT.Broker, nil
}

func newMQTTTransport(ctx context.Context, cfg *config.Config, browser discovery.Browser, logger *slog.Logger, opts ...transport.MQTTOption) (transport.Transport, error) {
	broker, err := resolveBroker(ctx, cfg, browser, logger)
	if err != nil {
		return nil, err
	}
	return transport.NewMQTTTransport(cfg.MQTT, broker, logger, opts...), nil
}

func newSignaller(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Signaller, error) {
	sig, err := signalling.NewDefaultSignalingService(ctx, &cfg.Firebase, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create signalling service: %w", err)
	}
	return sig, nil
}
