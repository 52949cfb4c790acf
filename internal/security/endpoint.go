package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for relay URLs that would reach internal
// infrastructure.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointPolicy decides which outbound notification relay URLs are allowed.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http.
	RequireHTTPS bool
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Check rejects URLs that are malformed, use another scheme, or whose host
// is or resolves to a loopback, private, link-local, CGNAT or unspecified
// address.
func (p EndpointPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case u.Scheme == "http":
		return fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host %s: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

// ValidateEndpointURL checks rawURL with the strict production policy.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	return EndpointPolicy{RequireHTTPS: true}.Check(ctx, rawURL)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case addr.IsPrivate(), cgnat.Contains(addr):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
