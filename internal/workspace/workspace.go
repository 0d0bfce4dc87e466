package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidID is returned for identifiers that cannot name a directory.
var ErrInvalidID = errors.New("invalid workspace identifier")

// Manager owns per-deployment scratch directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Prepare wipes and recreates the scratch directory for a deployment.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	if err := validateID(deploymentID); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a scratch directory. Paths outside the root are refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the scratch directory of a deployment.
func (m *Manager) CleanupByID(deploymentID string) error {
	if err := validateID(deploymentID); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, deploymentID))
}

// Sweep removes scratch directories untouched for longer than maxAge, which
// are left behind when the process dies mid-build. It returns the number removed.
func (m *Manager) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove stale workspace %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ErrInvalidID
	}
	return nil
}
