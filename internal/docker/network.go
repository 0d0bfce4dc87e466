package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
)

// EnsureNetwork creates the named bridge network when it is missing. Concurrent
// callers share one daemon round trip and a successful check is remembered.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name cannot be empty")
	}
	c.mu.Lock()
	done := c.ensured[name]
	c.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := c.networks.Do(name, func() (any, error) {
		existing, err := c.inner.NetworkList(ctx, network.ListOptions{
			Filters: filters.NewArgs(filters.Arg("name", name)),
		})
		if err != nil {
			return nil, fmt.Errorf("list networks: %w", err)
		}
		for _, n := range existing {
			if n.Name == name {
				return nil, nil
			}
		}
		if _, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				return nil, nil
			}
			return nil, fmt.Errorf("create network: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ensured[name] = true
	c.mu.Unlock()
	return nil
}
