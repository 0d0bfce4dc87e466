package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/vortex44/deployer/internal/storage"
	"github.com/vortex44/deployer/pkg/client"
	"github.com/vortex44/deployer/pkg/config"
)

const defaultDeployerURL = "http://localhost:3002"

type cliConfig struct {
	DeployerURL string `json:"deployer_url"`
	Token       string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "configure":
		err = commandConfigure(args)
	case "push":
		err = commandPush(args)
	case "create":
		err = commandCreate(args)
	case "list":
		err = commandList(args)
	case "get":
		err = commandGet(args)
	case "build":
		err = commandBuild(args)
	case "stop":
		err = commandStop(args)
	case "rollback":
		err = commandRollback(args)
	case "logs":
		err = commandLogs(args)
	case "health":
		err = commandHealth(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		var apiErr client.APIError
		if errors.As(err, &apiErr) && apiErr.Logs != "" {
			fmt.Fprintln(os.Stderr, apiErr.Logs)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	url := fs.String("url", "", "Deployer base URL (default "+defaultDeployerURL+")")
	token := fs.String("token", "", "Deployer token (prompted when omitted on a terminal)")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*url) != "" {
		cfg.DeployerURL = strings.TrimSpace(*url)
	}

	secret := strings.TrimSpace(*token)
	if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Token (empty for none): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	cfg.Token = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("configured %s\n", cfg.DeployerURL)
	return nil
}

// commandPush uploads a bundle straight to the object store, using the same
// MINIO_* environment as the deployer.
func commandPush(args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	file := fs.String("file", "", "Bundle file (JSON files array, JSON object or raw HTML)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*file) == "" {
		return errors.New("--file is required")
	}
	code, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	cfg := config.LoadDeployerConfig()
	store, err := storage.New(storage.Config{
		Endpoint:  cfg.MinioAddress(),
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureBucket(ctx); err != nil {
		return err
	}
	if err := store.Put(ctx, *projectID, string(code)); err != nil {
		return err
	}
	fmt.Printf("bundle stored at %s/%s\n", cfg.MinioBucket, storage.Key(*projectID))
	return nil
}

func commandCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	subdomain := fs.String("subdomain", "", "Public subdomain")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*subdomain) == "" {
		return errors.New("--subdomain is required")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := c.CreateDeployment(ctx, *projectID, *subdomain)
	if err != nil {
		return err
	}
	fmt.Printf("deployment created: %s version=%d status=%s\n", d.ID, d.Version, d.Status)
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := c.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		fmt.Printf("%s\tv%d\t%s\t%s\t%s\n", d.ID, d.Version, d.Status, d.URL, d.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandGet(args []string) error {
	id, err := deploymentFlag("get", args)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := c.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func commandBuild(args []string) error {
	id, err := deploymentFlag("build", args)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("building...")
	res, err := c.Build(ctx, id)
	if err != nil {
		return err
	}
	suffix := ""
	if res.AutoFixed {
		suffix = " (auto-fixed)"
	}
	fmt.Printf("deployment active: %s port=%d%s\n", res.URL, res.Port, suffix)
	return nil
}

func commandStop(args []string) error {
	id, err := deploymentFlag("stop", args)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d, err := c.Stop(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("deployment %s %s\n", d.ID, d.Status)
	return nil
}

func commandRollback(args []string) error {
	id, err := deploymentFlag("rollback", args)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := c.Rollback(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %s (v%d)\n", res.Deployment.ID, res.Deployment.Version)
	if res.Restored != nil {
		fmt.Printf("restored %s (v%d) at %s\n", res.Restored.ID, res.Restored.Version, res.Restored.URL)
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	follow := fs.Bool("follow", false, "Stream output until interrupted")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	if *follow {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return c.FollowLogs(ctx, *deploymentID, os.Stdout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logs, err := c.Logs(ctx, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Print(logs)
	if !strings.HasSuffix(logs, "\n") {
		fmt.Println()
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	fs.Parse(args)

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s (%s)\n", h.Status, h.Timestamp)
	for name, component := range h.Components {
		fmt.Printf("  %s\t%v\n", name, component["status"])
	}
	if h.Status != "ok" {
		return errors.New("deployer degraded")
	}
	return nil
}

func deploymentFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return "", errors.New("--deployment is required")
	}
	return strings.TrimSpace(*deploymentID), nil
}

func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("DEPLOYER_URL")); env != "" {
		cfg.DeployerURL = env
	}
	if env := strings.TrimSpace(os.Getenv("DEPLOYER_AUTH_TOKEN")); env != "" {
		cfg.Token = env
	}
	return client.New(cfg.DeployerURL, client.WithToken(cfg.Token))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{DeployerURL: defaultDeployerURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.DeployerURL == "" {
		cfg.DeployerURL = defaultDeployerURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl configure [--url http://localhost:3002] [--token secret]
	deployctl push --project <project-id> --file bundle.json
	deployctl create --project <project-id> --subdomain <name>
	deployctl list --project <project-id> [--limit N]
	deployctl get --deployment <deployment-id>
	deployctl build --deployment <deployment-id>
	deployctl stop --deployment <deployment-id>
	deployctl rollback --deployment <deployment-id>
	deployctl logs --deployment <deployment-id> [--follow]
	deployctl health
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
