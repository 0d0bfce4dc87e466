package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback is invoked with each rendered build stream line.
type BuildOutputCallback func(string)

// BuildImage builds dir (which must contain a Dockerfile) into tag and returns
// the resulting image id. Every stream line is handed to onOutput, including
// the lines that precede a build error.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, onOutput BuildOutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	if err := decodeBuildStream(resp.Body, onOutput); err != nil {
		return "", err
	}
	return c.ImageIDByTag(ctx, tag)
}

// ImageIDByTag resolves a tag to its image id.
func (c *Client) ImageIDByTag(ctx context.Context, tag string) (string, error) {
	images, err := c.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	if err != nil {
		return "", fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("image %s: %w", tag, ErrNotFound)
	}
	return images[0].ID, nil
}

func decodeBuildStream(r io.Reader, onOutput BuildOutputCallback) error {
	decoder := json.NewDecoder(r)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			if onOutput != nil {
				onOutput(errMsg)
			}
			return fmt.Errorf("docker image build: %s", errMsg)
		}
	}
}

type imageBuildMessage struct {
	Stream      string         `json:"stream"`
	Status      string         `json:"status"`
	ID          string         `json:"id"`
	Progress    string         `json:"progress"`
	Error       string         `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]any `json:"aux"`
}

func (m imageBuildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) render() string {
	switch {
	case strings.TrimSpace(m.Stream) != "":
		return strings.TrimRight(m.Stream, "\n")
	case m.Status != "":
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if p := strings.TrimSpace(m.Progress); p != "" {
			parts = append(parts, p)
		}
		return strings.Join(parts, " ")
	case m.Aux != nil:
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
	}
	return ""
}
