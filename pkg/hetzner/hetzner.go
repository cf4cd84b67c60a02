// Package hetzner looks up the public addresses of Hetzner Cloud servers.
package hetzner

import (
	"context"
	"fmt"
	"net"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/mailstack/pkg/future"
)

// TokenEnv is read when no API token is configured.
const TokenEnv = "HCLOUD_TOKEN"

// Addresses are a server's public addresses. IPv6 is the first host of the
// server's /64, the address Hetzner configures on the primary interface.
type Addresses struct {
	IPv4 string
	IPv6 string
}

// Client wraps the Hetzner Cloud API.
type Client struct {
	client *hcloud.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHCloudClient replaces the underlying API client.
func WithHCloudClient(c *hcloud.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithEndpoint points the client at another API endpoint.
func WithEndpoint(token, endpoint string) Option {
	return func(cl *Client) {
		cl.client = hcloud.NewClient(
			hcloud.WithToken(token),
			hcloud.WithEndpoint(endpoint),
			hcloud.WithApplication("mailstack", ""),
		)
	}
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		client: hcloud.NewClient(
			hcloud.WithToken(token),
			hcloud.WithApplication("mailstack", ""),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerAddresses returns the public addresses of the server called name.
func (c *Client) ServerAddresses(ctx context.Context, name string) (Addresses, error) {
	server, _, err := c.client.Server.Get(ctx, name)
	if err != nil {
		return Addresses{}, fmt.Errorf("failed to get server %s: %w", name, err)
	}
	if server == nil {
		return Addresses{}, fmt.Errorf("server not found: %s", name)
	}

	var addrs Addresses
	if ip := server.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		addrs.IPv4 = ip.String()
	}
	if ip := server.PublicNet.IPv6.IP; ip != nil && !ip.IsUnspecified() {
		addrs.IPv6 = firstHost(ip)
	}
	if addrs.IPv4 == "" && addrs.IPv6 == "" {
		return Addresses{}, fmt.Errorf("server %s has no public address", name)
	}

	log.Debug().
		Str("server", name).
		Str("ipv4", addrs.IPv4).
		Str("ipv6", addrs.IPv6).
		Msg("Resolved server addresses")

	return addrs, nil
}

// Lookup defers ServerAddresses until first resolution. The API is called
// at most once however many futures derive from the result.
func (c *Client) Lookup(name string) *future.Future[Addresses] {
	return future.New(func(ctx context.Context) (Addresses, error) {
		return c.ServerAddresses(ctx, name)
	})
}

// IPv4 projects the IPv4 address out of addrs.
func IPv4(addrs *future.Future[Addresses]) *future.Future[string] {
	return future.Then(addrs, func(_ context.Context, a Addresses) (string, error) {
		if a.IPv4 == "" {
			return "", fmt.Errorf("server has no public IPv4")
		}
		return a.IPv4, nil
	})
}

// IPv6 projects the IPv6 address out of addrs.
func IPv6(addrs *future.Future[Addresses]) *future.Future[string] {
	return future.Then(addrs, func(_ context.Context, a Addresses) (string, error) {
		if a.IPv6 == "" {
			return "", fmt.Errorf("server has no public IPv6")
		}
		return a.IPv6, nil
	})
}

// firstHost returns prefix::1 for a network address.
func firstHost(network net.IP) string {
	ip := make(net.IP, net.IPv6len)
	copy(ip, network.To16())
	ip[net.IPv6len-1] |= 1
	return ip.String()
}
