// Package discovery locates the MQTT broker on the local network by mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"netsync/internal/config"
)

var ErrNoBroker = errors.New("no broker found")

// Browser finds broker instances. It exists so tests can swap out mDNS.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// FindBroker browses for cfg.Service and returns the URL of the first
// broker that answers within cfg.Timeout.
func FindBroker(ctx context.Context, cfg config.DiscoveryConfig, tls bool, browser Browser, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if browser == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", fmt.Errorf("failed to initialize resolver: %w", err)
		}
		browser = resolver
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			url, ok := BrokerURL(entry, tls)
			if !ok {
				logger.Debug("skipping service entry without address", "instance", entry.Instance)
				continue
			}
			select {
			case found <- url:
				cancel()
			default:
			}
		}
	}()

	logger.Info("browsing for broker", "service", cfg.Service, "domain", cfg.Domain)
	if err := browser.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse: %w", err)
	}

	select {
	case url := <-found:
		logger.Info("found broker", "url", url)
		return url, nil
	case <-ctx.Done():
	}
	select {
	case url := <-found:
		logger.Info("found broker", "url", url)
		return url, nil
	default:
		return "", fmt.Errorf("%w: %s in %s", ErrNoBroker, cfg.Service, cfg.Domain)
	}
}

// BrokerURL builds a broker URL from a service entry. A "scheme=" TXT
// record overrides the default tcp or ssl scheme.
func BrokerURL(entry *zeroconf.ServiceEntry, tls bool) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}

	scheme := "tcp"
	if tls {
		scheme = "ssl"
	}
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "scheme="); ok && v != "" {
			scheme = v
		}
	}
	return scheme + "://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
