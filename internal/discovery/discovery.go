// Package discovery performs LAN discovery of Archon controller hosts.
//
// It is never consulted by the wire protocol engine, device operations, or
// the exposure coordinator: those always dial a configured endpoint. It
// exists solely to help populate a configuration file from a CLI
// subcommand.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// serviceType is the DNS-SD service Archon controllers are assumed to
// advertise, by analogy to IIOD's "_iio._tcp".
const serviceType = "_archon._tcp"

// Host is a discovered controller endpoint.
type Host struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Endpoint returns a host:port string for the first usable address.
func (h Host) Endpoint() (string, error) {
	for _, addr := range h.Addresses {
		return net.JoinHostPort(addr.String(), fmt.Sprint(h.Port)), nil
	}
	return "", fmt.Errorf("discovery: %s advertises no usable address", h.Instance)
}

// Browse performs a blocking mDNS browse for Archon controllers and returns
// cleaned, deduplicated host entries. It gives up after timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}

				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	return out, nil
}

// cleanInstance removes DNS-SD escape sequences ("\ " -> " ").
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
