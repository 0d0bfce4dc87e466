// Package notify posts deployment status transitions to the web backend.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vortex44/deployer/internal/domain"
)

// Event is the callback payload.
type Event struct {
	DeploymentID string         `json:"deploymentId"`
	ProjectID    string         `json:"projectId"`
	Version      int            `json:"version"`
	Status       string         `json:"status"`
	URL          string         `json:"url,omitempty"`
	Message      string         `json:"message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Config configures a Notifier.
type Config struct {
	URL            string
	Token          string
	Timeout        time.Duration
	SuppressionTTL time.Duration
}

// Notifier delivers events. A callback answered with a 4xx status, or one that
// cannot reach the backend, silences further progress callbacks for that
// project until the suppression window elapses. Terminal statuses are always
// attempted.
type Notifier struct {
	cfg        Config
	client     *http.Client
	logger     *slog.Logger
	suppressed sync.Map
	now        func() time.Time
}

// New returns a Notifier. With an empty URL every Notify call is a no-op.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}
}

// Notify posts ev and reports whether it was delivered.
func (n *Notifier) Notify(ctx context.Context, ev Event) bool {
	if n == nil || strings.TrimSpace(n.cfg.URL) == "" {
		return true
	}
	projectKey := strings.TrimSpace(ev.ProjectID)
	if !isTerminal(ev.Status) && n.shouldSuppress(projectKey) {
		n.logger.Info("callback suppressed", "deployment_id", ev.DeploymentID, "project_id", ev.ProjectID, "status", ev.Status)
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal callback payload failed", "deployment_id", ev.DeploymentID, "error", err)
		return false
	}

	ctx = context.WithoutCancel(ctx)
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("create callback request failed", "deployment_id", ev.DeploymentID, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Token != "" {
		req.Header.Set("X-Deployer-Token", n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("callback request failed", "deployment_id", ev.DeploymentID, "error", err)
		n.suppress(projectKey)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn("callback response status", "deployment_id", ev.DeploymentID, "status_code", resp.StatusCode)
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			n.suppress(projectKey)
		}
		return false
	}
	n.suppressed.Delete(projectKey)
	return true
}

func (n *Notifier) shouldSuppress(projectKey string) bool {
	if projectKey == "" {
		return false
	}
	value, ok := n.suppressed.Load(projectKey)
	if !ok {
		return false
	}
	expires, _ := value.(time.Time)
	if expires.IsZero() || n.now().Before(expires) {
		return true
	}
	n.suppressed.Delete(projectKey)
	return false
}

func (n *Notifier) suppress(projectKey string) {
	if projectKey == "" {
		return
	}
	var expires time.Time
	if n.cfg.SuppressionTTL > 0 {
		expires = n.now().Add(n.cfg.SuppressionTTL)
	}
	n.suppressed.Store(projectKey, expires)
}

func isTerminal(status string) bool {
	switch status {
	case domain.StatusActive, domain.StatusFailed, domain.StatusStopped, domain.StatusRolledBack:
		return true
	}
	return false
}
