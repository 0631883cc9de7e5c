package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// MQTTService is the DNS-SD service type MQTT brokers announce.
const MQTTService = "_mqtt._tcp"

// ErrNoBroker is returned by Discover when no broker answered.
var ErrNoBroker = errors.New("no broker found via mDNS")

// Endpoint is a discovered broker address.
type Endpoint struct {
	Name string
	Host string
	Port int
}

// Discover browses mDNS for service and returns the first IPv4 endpoint.
func Discover(ctx context.Context, service string, timeout time.Duration, logger *zap.Logger) (Endpoint, error) {
	entries := make(chan *mdns.ServiceEntry, 16)

	var (
		found []Endpoint
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if ep, ok := endpointFromEntry(entry); ok {
				found = append(found, ep)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() { errCh <- mdns.Query(params) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
		// mdns.Query returns once its own timeout elapses.
		<-errCh
	}
	close(entries)
	wg.Wait()

	if err != nil {
		return Endpoint{}, fmt.Errorf("mdns query %s: %w", service, err)
	}
	if len(found) == 0 {
		return Endpoint{}, ErrNoBroker
	}
	logger.Info("discovered broker via mDNS",
		zap.String("name", found[0].Name),
		zap.String("host", found[0].Host),
		zap.Int("port", found[0].Port),
		zap.Int("candidates", len(found)),
	)
	return found[0], nil
}

// endpointFromEntry extracts a usable IPv4 endpoint from a service entry.
func endpointFromEntry(entry *mdns.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}
	ip := entry.AddrV4
	if ip == nil || ip.IsUnspecified() {
		// Fallback to the deprecated Addr field for older responders.
		ip = entry.Addr
	}
	if ip == nil || ip.IsUnspecified() || ip.To4() == nil {
		return Endpoint{}, false
	}
	return Endpoint{Name: entry.Name, Host: ip.String(), Port: entry.Port}, true
}

// Apply points cfg at the endpoint.
func (e Endpoint) Apply(cfg *Config) {
	cfg.Host = e.Host
	cfg.Port = e.Port
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}
