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
	"syscall"
	"time"

	apiclient "github.com/splax/peep/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
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
	case "config":
		err = commandConfig(args)
	case "project":
		err = commandProject(args)
	case "deploy":
		err = commandDeploy(args)
	case "logs":
		err = commandLogs(args)
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
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	api := fs.String("api", "", "API base URL")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*api) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*api)
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Printf("api: %s\n", cfg.APIBaseURL)
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep project [create|get]")
	}
	switch args[0] {
	case "create":
		return projectCreate(args[1:])
	case "get":
		return projectGet(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository URL")
	rootDir := fs.String("root", "", "Directory inside the repository to build")
	install := fs.String("install", "", "Optional install command")
	build := fs.String("build", "", "Optional build command")
	var env envFlag
	fs.Var(&env, "env", "Build environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, apiclient.CreateProjectInput{
		Name:           *name,
		RepoURL:        *repo,
		RootDir:        *rootDir,
		InstallCommand: *install,
		BuildCommand:   *build,
		Env:            env,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s) subdomain=%s\n", project.ID, project.Name, project.Subdomain)
	return nil
}

func projectGet(args []string) error {
	fs := flag.NewFlagSet("project get", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetProject(ctx, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Subdomain, p.RepoURL)
	return nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep deploy [trigger|list|status]")
	}
	switch args[0] {
	case "trigger":
		return deployTrigger(args[1:])
	case "list":
		return deployList(args[1:])
	case "status":
		return deployStatus(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", args[0])
	}
}

func deployTrigger(args []string) error {
	fs := flag.NewFlagSet("deploy trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	follow := fs.Bool("follow", false, "Stream build logs until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dep, err := client.TriggerDeployment(ctx, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("deployment triggered: %s state=%s\n", dep.ID, dep.State)
	if !*follow {
		return nil
	}
	return followLogs(client, dep.ID)
}

func deployList(args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 5, "Maximum number of deployments")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", d.ID, d.State, d.CreatedAt.Format(time.RFC3339), d.Reason)
	}
	return nil
}

func deployStatus(args []string) error {
	fs := flag.NewFlagSet("deploy status", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := client.GetDeployment(ctx, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", d.ID, d.State, d.Reason)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	limit := fs.Int("limit", 200, "Maximum number of stored lines")
	follow := fs.Bool("follow", false, "Keep streaming new lines")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entries, err := client.FetchLogs(ctx, *deploymentID, *limit, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n", e.CreatedAt.Format(time.TimeOnly), e.Message)
	}
	if !*follow {
		return nil
	}
	dep, err := client.GetDeployment(ctx, *deploymentID)
	if err != nil {
		return err
	}
	if dep.Terminal() {
		fmt.Printf("deployment %s\n", strings.ToLower(dep.State))
		return nil
	}
	return followLogs(client, *deploymentID)
}

func followLogs(client *apiclient.Client, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var failed bool
	err := client.FollowLogs(ctx, deploymentID, func(ev apiclient.StreamEvent) bool {
		switch ev.Type {
		case "log":
			fmt.Println(ev.Message)
		case "deployment-complete":
			fmt.Println("deployment ready")
			return false
		case "deployment-failed":
			fmt.Printf("deployment failed: %s\n", ev.Reason)
			failed = true
			return false
		}
		return true
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil && failed {
		return errors.New("deployment failed")
	}
	return err
}

type envFlag map[string]string

func (e *envFlag) String() string {
	return fmt.Sprint(map[string]string(*e))
}

func (e *envFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	if *e == nil {
		*e = make(envFlag)
	}
	(*e)[key] = val
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL)
}

func loadConfig() (cliConfig, error) {
	fallback := cliConfig{APIBaseURL: "http://localhost:4000"}
	if env := strings.TrimSpace(os.Getenv("PEEP_API_URL")); env != "" {
		fallback.APIBaseURL = env
	}
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fallback, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" || os.Getenv("PEEP_API_URL") != "" {
		cfg.APIBaseURL = fallback.APIBaseURL
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
	return filepath.Join(base, "peep", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep config [--api http://localhost:4000]
	peep project create --name <name> --repo <url> [--root dir] [--install cmd] [--build cmd] [--env KEY=VALUE ...]
	peep project get --project <project-id>
	peep deploy trigger --project <project-id> [--follow]
	peep deploy list --project <project-id> [--limit N]
	peep deploy status --deployment <deployment-id>
	peep logs --deployment <deployment-id> [--limit N] [--follow]
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
