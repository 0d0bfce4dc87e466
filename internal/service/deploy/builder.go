package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vortex44/deployer/internal/filetree"
	"github.com/vortex44/deployer/internal/workspace"
)

// BuildRequest asks for one image build.
type BuildRequest struct {
	DeploymentID string
	Subdomain    string
	Tree         filetree.Tree
}

// BuildResult never carries an error: failures are Success=false with
// diagnostics in Logs.
type BuildResult struct {
	Success bool
	Logs    string
	ImageID string
	Recipe  Recipe
}

// ImageBuilder produces an image from a file tree.
type ImageBuilder interface {
	Build(ctx context.Context, req BuildRequest) BuildResult
}

// Builder materialises a tree in a scratch directory and builds it with the engine.
type Builder struct {
	engine    Engine
	workspace *workspace.Manager
	namespace string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBuilder returns a Builder. timeout bounds the engine build call when positive.
func NewBuilder(engine Engine, ws *workspace.Manager, namespace string, timeout time.Duration, logger *slog.Logger) Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return Builder{engine: engine, workspace: ws, namespace: namespace, timeout: timeout, logger: logger}
}

// StepTimeout is the per-build budget inside a pipeline bounded by total. Two
// builds (the original and one auto-fix retry) fit with room left for the runner.
func StepTimeout(total time.Duration) time.Duration {
	return total * 2 / 5
}

// ImageTag is the deterministic tag for a deployment's image.
func ImageTag(namespace, deploymentID string) string {
	return fmt.Sprintf("%s/app-%s:latest", namespace, deploymentID)
}

// Build implements ImageBuilder. The scratch directory is removed on every path.
func (b Builder) Build(ctx context.Context, req BuildRequest) BuildResult {
	logs := newBuildLog()

	dir, err := b.workspace.Prepare(req.DeploymentID)
	if err != nil {
		logs.add("prepare workspace: " + err.Error())
		return BuildResult{Logs: logs.String()}
	}
	defer func() {
		if err := b.workspace.Cleanup(dir); err != nil {
			b.logger.Warn("workspace cleanup failed", "deployment_id", req.DeploymentID, "error", err)
		}
	}()

	if err := filetree.Write(req.Tree, dir); err != nil {
		logs.add("materialize bundle: " + err.Error())
		return BuildResult{Logs: logs.String()}
	}

	recipe := SelectRecipe(req.Tree)
	logs.add(fmt.Sprintf("using %s recipe (%d files)", recipe.Strategy, req.Tree.Len()))
	if err := writeRecipe(dir, recipe); err != nil {
		logs.add(err.Error())
		return BuildResult{Logs: logs.String(), Recipe: recipe}
	}

	buildCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	tag := ImageTag(b.namespace, req.DeploymentID)
	imageID, err := b.engine.BuildImage(buildCtx, dir, tag, logs.add)
	if err != nil {
		logs.add(err.Error())
		b.logger.Warn("image build failed", "deployment_id", req.DeploymentID, "tag", tag, "error", err)
		return BuildResult{Logs: logs.String(), Recipe: recipe}
	}
	logs.add("built image " + imageID)
	return BuildResult{Success: true, Logs: logs.String(), ImageID: imageID, Recipe: recipe}
}

func writeRecipe(dir string, recipe Recipe) error {
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(recipe.Dockerfile), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	for name, content := range recipe.Files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// buildLog accumulates output lines, folding consecutive duplicates.
type buildLog struct {
	lines   []string
	repeats int
}

func newBuildLog() *buildLog { return &buildLog{} }

func (l *buildLog) add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if n := len(l.lines); n > 0 && l.lines[n-1] == line {
		l.repeats++
		return
	}
	l.flush()
	l.lines = append(l.lines, line)
}

func (l *buildLog) flush() {
	if l.repeats > 0 {
		l.lines = append(l.lines, fmt.Sprintf("(previous line repeated %d times)", l.repeats))
		l.repeats = 0
	}
}

func (l *buildLog) String() string {
	l.flush()
	return strings.Join(l.lines, "\n")
}
