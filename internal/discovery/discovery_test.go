package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"netsync/internal/config"
)

type fakeBrowser struct {
	entries []*zeroconf.ServiceEntry
	err     error
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if b.err != nil {
		return b.err
	}
	go func() {
		defer close(entries)
		for _, e := range b.entries {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return nil
}

func entry(ipv4, ipv6 string, port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("broker", "_mqtt._tcp", "local.")
	if ipv4 != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ipv4)}
	}
	if ipv6 != "" {
		e.AddrIPv6 = []net.IP{net.ParseIP(ipv6)}
	}
	e.Port = port
	e.Text = text
	return e
}

func testConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Enabled: true,
		Service: "_mqtt._tcp",
		Domain:  "local.",
		Timeout: 200 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		tls   bool
		want  string
		ok    bool
	}{
		{"ipv4", entry("192.168.1.10", "", 1883), false, "tcp://192.168.1.10:1883", true},
		{"tls", entry("192.168.1.10", "", 8883), true, "ssl://192.168.1.10:8883", true},
		{"ipv6 only", entry("", "fe80::1", 1883), false, "tcp://[fe80::1]:1883", true},
		{"txt scheme", entry("10.0.0.2", "", 8080, "scheme=ws"), false, "ws://10.0.0.2:8080", true},
		{"no address", entry("", "", 1883), false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BrokerURL(tt.entry, tt.tls)
			if got != tt.want || ok != tt.ok {
				t.Errorf("BrokerURL() = %q, %v, want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFindBrokerSkipsUnusableEntries(t *testing.T) {
	browser := &fakeBrowser{entries: []*zeroconf.ServiceEntry{
		entry("", "", 1883),
		entry("10.0.0.7", "", 1883),
	}}
	url, err := FindBroker(context.Background(), testConfig(), false, browser, quietLogger())
	if err != nil {
		t.Fatalf("FindBroker() error = %v", err)
	}
	if url != "tcp://10.0.0.7:1883" {
		t.Errorf("FindBroker() = %q", url)
	}
}

func TestFindBrokerTimesOut(t *testing.T) {
	_, err := FindBroker(context.Background(), testConfig(), false, &fakeBrowser{}, quietLogger())
	if !errors.Is(err, ErrNoBroker) {
		t.Errorf("FindBroker() error = %v, want ErrNoBroker", err)
	}
}

func TestFindBrokerBrowseFailure(t *testing.T) {
	_, err := FindBroker(context.Background(), testConfig(), false, &fakeBrowser{err: errors.New("no multicast")}, quietLogger())
	if err == nil || errors.Is(err, ErrNoBroker) {
		t.Errorf("FindBroker() error = %v, want browse failure", err)
	}
}
