package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
	"golang.org/x/sync/singleflight"
)

// Client wraps the Docker SDK client with the operations the deployer needs.
type Client struct {
	inner *client.Client

	networks singleflight.Group
	mu       sync.Mutex
	ensured  map[string]bool
}

// New creates a Docker client using environment defaults, optionally pinned to host.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, ensured: make(map[string]bool)}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
