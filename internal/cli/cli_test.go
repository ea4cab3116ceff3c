package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/pkg/types"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(dir, "memory.db")
	cfg.Events.Backend = "none"
	cfg.LogLevel = "error"
	path := filepath.Join(dir, "config.yaml")
	if err := config.Write(path, cfg); err != nil {
		t.Fatalf("config.Write() error = %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	if err != nil || strings.TrimSpace(out) != "memory-engine dev" {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if _, err := execute(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if _, err := execute(t, "config", "init", "--config", path); err == nil {
		t.Fatal("second config init succeeded without --force")
	}
	if _, err := execute(t, "config", "init", "--config", path, "--force"); err != nil {
		t.Fatalf("config init --force error = %v", err)
	}

	out, err := execute(t, "config", "show", "--config", path)
	if err != nil || !strings.Contains(out, `"ServerName": "memory-engine"`) {
		t.Fatalf("config show = %q, %v", out, err)
	}
}

func TestWorkerCommands(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t)

	out, err := execute(t, "worker", "list", "--config", path)
	if err != nil {
		t.Fatalf("worker list error = %v", err)
	}
	for _, name := range []string{"consolidation", "cleanup", "failure-replay", "session-expiry"} {
		if !strings.Contains(out, name) {
			t.Fatalf("worker list missing %s:\n%s", name, out)
		}
	}

	out, err = execute(t, "worker", "run", "consolidation", "--config", path)
	if err != nil || strings.TrimSpace(out) != "consolidation: ok" {
		t.Fatalf("worker run = %q, %v", out, err)
	}
	if _, err := execute(t, "worker", "run", "compaction", "--config", path); err == nil {
		t.Fatal("unknown worker ran without error")
	}
}

func TestAssembleAndStats(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t)

	out, err := execute(t, "assemble", "--config", path, "-u", "u1", "-s", "s1", "-m", "200")
	if err != nil {
		t.Fatalf("assemble error = %v", err)
	}
	var ctx types.AssembledContext
	if err := json.Unmarshal([]byte(out), &ctx); err != nil {
		t.Fatalf("decode assemble output: %v\n%s", err, out)
	}
	if ctx.UserID != "u1" || ctx.MaxTokens != 200 || ctx.Status == types.StatusError {
		t.Fatalf("assembled = %+v", ctx)
	}

	out, err = execute(t, "stats", "--config", path, "--user", "u1")
	if err != nil {
		t.Fatalf("stats error = %v", err)
	}
	var stats types.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil || stats.UserID != "u1" || stats.MediumCount != 0 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}

	if _, err := execute(t, "stats", "--config", path); err == nil {
		t.Fatal("stats without --user succeeded")
	}
}

func TestFailuresList(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t)

	out, err := execute(t, "failures", "--config", path, "--status", "failed")
	if err != nil {
		t.Fatalf("failures error = %v", err)
	}
	var rows []types.FailureRecord
	if err := json.Unmarshal([]byte(out), &rows); err != nil || len(rows) != 0 {
		t.Fatalf("failures = %q, %v", out, err)
	}
}
