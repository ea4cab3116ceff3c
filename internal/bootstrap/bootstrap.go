// Package bootstrap registers the engine's MCP server with locally installed
// agent CLIs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var lookPath = exec.LookPath

// Agent is one supported agent CLI.
type Agent string

const (
	AgentCodex  Agent = "codex"
	AgentClaude Agent = "claude"
	AgentGemini Agent = "gemini"
)

// Agents lists supported CLIs in registration order.
var Agents = []Agent{AgentCodex, AgentClaude, AgentGemini}

const defaultServeCmd = "memory-engine mcp"

// Options control registration.
type Options struct {
	ConfigPath string
	Scope      string
	ServerName string
	ServeCmd   string
	// Agents restricts registration; empty means every installed CLI.
	Agents   []Agent
	AuditDir string
	DryRun   bool
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes system commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Result reports what registration did.
type Result struct {
	Commands  []Command
	AuditPath string
}

// Register replaces any existing registration of the server in each
// selected agent CLI and writes the commands to an audit log.
func Register(ctx context.Context, logger *log.Logger, opts Options, runner Runner) (Result, error) {
	if runner == nil {
		runner = OSRunner{}
	}
	if opts.Scope == "" {
		opts.Scope = "user"
	}
	if opts.ServerName == "" {
		opts.ServerName = "memory-engine"
	}

	cmds, err := BuildCommands(opts)
	if err != nil {
		return Result{}, err
	}
	if len(cmds) == 0 {
		return Result{}, errors.New("no supported agent CLI found on PATH")
	}

	auditPath := filepath.Join(opts.AuditDir, "register-agents-last.log")
	if err := os.MkdirAll(opts.AuditDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.Create(auditPath)
	if err != nil {
		return Result{}, fmt.Errorf("create audit log: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "# memory-engine register-agents %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, c := range cmds {
		line := c.String()
		fmt.Fprintln(f, line)
		logger.Info("register command", "cmd", line, "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(ctx, c.Name, c.Args...); err != nil {
			// remove fails when nothing was registered yet.
			if slices.Contains(c.Args, "remove") {
				logger.Debug("ignoring remove error", "cmd", line, "error", err)
				continue
			}
			return Result{Commands: cmds, AuditPath: auditPath}, fmt.Errorf("run %q: %w", line, err)
		}
	}

	logger.Info("agent registration complete", "audit_log", auditPath)
	return Result{Commands: cmds, AuditPath: auditPath}, nil
}

// BuildCommands builds a deterministic remove+add command list for every
// selected CLI found on PATH.
func BuildCommands(opts Options) ([]Command, error) {
	if opts.Scope != "user" && opts.Scope != "project" {
		return nil, fmt.Errorf("invalid scope %q (expected user or project)", opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = defaultServeCmd
	}
	for _, a := range opts.Agents {
		if !slices.Contains(Agents, a) {
			return nil, fmt.Errorf("unknown agent %q", a)
		}
	}

	serveCmd := append(strings.Fields(opts.ServeCmd), "--config", opts.ConfigPath)
	cmds := make([]Command, 0, 2*len(Agents))
	for _, a := range Agents {
		if len(opts.Agents) > 0 && !slices.Contains(opts.Agents, a) {
			continue
		}
		if _, err := lookPath(string(a)); err != nil {
			continue
		}
		name := string(a)
		switch a {
		case AgentCodex:
			cmds = append(cmds,
				Command{Name: name, Args: []string{"mcp", "remove", opts.ServerName}},
				Command{Name: name, Args: append([]string{"mcp", "add", opts.ServerName, "--"}, serveCmd...)},
			)
		case AgentClaude:
			cmds = append(cmds,
				Command{Name: name, Args: []string{"mcp", "remove", "-s", opts.Scope, opts.ServerName}},
				Command{Name: name, Args: append([]string{"mcp", "add", "-s", opts.Scope, opts.ServerName, "--"}, serveCmd...)},
			)
		case AgentGemini:
			cmds = append(cmds,
				Command{Name: name, Args: []string{"mcp", "remove", "-s", opts.Scope, opts.ServerName}},
				Command{Name: name, Args: append([]string{"mcp", "add", "-s", opts.Scope, opts.ServerName}, serveCmd...)},
			)
		}
	}
	return cmds, nil
}
