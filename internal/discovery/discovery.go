// Package discovery advertises a relay on the local network over mDNS and
// finds one from the CLI.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	Service = "_clipsync._tcp"
	Domain  = "local."

	txtPath = "path="
)

var ErrNotFound = errors.New("no relay found on the local network")

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance on port until Shutdown is called.
func Advertise(instance string, port int, logger *zap.Logger) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{txtPath + "/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if logger != nil {
		logger.Info("mDNS service registered",
			zap.String("instance", instance),
			zap.String("service", Service),
			zap.Int("port", port))
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// PortFromAddr extracts the port of a listen address such as ":8080".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// Relay is a relay found on the network.
type Relay struct {
	Instance string
	URL      string
}

// Browse returns the first relay that answers before ctx is done.
func Browse(ctx context.Context) (Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Relay{}, fmt.Errorf("init mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return Relay{}, fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Relay{}, ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return Relay{}, ErrNotFound
			}
			if relay, ok := relayFromEntry(entry); ok {
				return relay, nil
			}
		}
	}
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || entry.Port == 0 {
		return Relay{}, false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Relay{}, false
	}

	path := "/ws"
	for _, txt := range entry.Text {
		if p, ok := strings.CutPrefix(txt, txtPath); ok && strings.HasPrefix(p, "/") {
			path = p
		}
	}
	return Relay{
		Instance: entry.Instance,
		URL:      "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path,
	}, true
}
