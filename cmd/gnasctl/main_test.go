package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gnas/internal/stats"
)

func smallRunArgs(artifactsDir string, extra ...string) []string {
	args := []string{
		"run",
		"--store", "memory",
		"--artifacts-dir", artifactsDir,
		"--pop", "4",
		"--epochs", "2",
		"--seed", "7",
		"--node-count", "2",
		"--emsize", "4",
		"--nhid", "4",
		"--tune-attempts", "1",
		"--tune-steps", "2",
	}
	return append(args, extra...)
}

func TestRunCommandWritesArtifacts(t *testing.T) {
	artifactsDir := filepath.Join(t.TempDir(), "runs")
	out, err := captureStdout(func() error {
		return run(context.Background(), smallRunArgs(artifactsDir, "--run-id", "cli-run"))
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out, "run completed run_id=cli-run kind=rnn") {
		t.Fatalf("unexpected run output: %s", out)
	}
	if !strings.Contains(out, "generation=2 best_fitness=") {
		t.Fatalf("expected two generations in output: %s", out)
	}

	entries, err := stats.ListRunIndex(artifactsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "cli-run" {
		t.Fatalf("unexpected run index: %+v", entries)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"fitness", "--latest", "--store", "memory", "--artifacts-dir", artifactsDir, "--json"})
	})
	if err != nil {
		t.Fatalf("fitness command: %v", err)
	}
	var history []float64
	if err := json.Unmarshal([]byte(out), &history); err != nil {
		t.Fatalf("decode fitness json: %v (%s)", err, out)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 generations, got %v", history)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"best", "--run-id", "cli-run", "--store", "memory", "--artifacts-dir", artifactsDir})
	})
	if err != nil {
		t.Fatalf("best command: %v", err)
	}
	if !strings.Contains(out, "best run_id=cli-run") || !strings.Contains(out, "block=1 genes=") {
		t.Fatalf("unexpected best output: %s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"diagnostics", "--run-id", "cli-run", "--limit", "1", "--store", "memory", "--artifacts-dir", artifactsDir})
	})
	if err != nil {
		t.Fatalf("diagnostics command: %v", err)
	}
	if strings.Count(out, "generation=") != 1 {
		t.Fatalf("expected one diagnostics line: %s", out)
	}

	exportDir := filepath.Join(t.TempDir(), "exports")
	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"export", "--latest", "--out", exportDir, "--store", "memory", "--artifacts-dir", artifactsDir})
	})
	if err != nil {
		t.Fatalf("export command: %v", err)
	}
	if !strings.Contains(out, "exported run_id=cli-run") {
		t.Fatalf("unexpected export output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "cli-run", "fitness_history.csv")); err != nil {
		t.Fatalf("expected exported fitness history: %v", err)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--store", "memory", "--artifacts-dir", artifactsDir})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out, "run_id=cli-run") || !strings.Contains(out, "gens=2") {
		t.Fatalf("unexpected runs output: %s", out)
	}
}

func TestRunCommandWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "cnn.ini")
	ini := `[search]
kind = cnn
epochs = 3
seed = 5

[population]
size = 3

[cnn]
node_count = 2
n_channels = 2
n_blocks = 0
ops = identity, avg3x3, conv3x3
classes = 2
train = 4
eval = 4
batch_size = 4

[tuning]
enabled = false

[store]
kind = memory
artifacts_dir = ` + filepath.Join(dir, "runs") + "\n"
	if err := os.WriteFile(configPath, []byte(ini), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"run", "--config", configPath, "--epochs", "1", "--json"})
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	var summary struct {
		Kind             string
		BestByGeneration []float64
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode run summary: %v (%s)", err, out)
	}
	if summary.Kind != "cnn" || len(summary.BestByGeneration) != 1 {
		t.Fatalf("flag should override config epochs: %+v", summary)
	}
}

func TestRunCommandRejectsInvalidFlags(t *testing.T) {
	artifactsDir := filepath.Join(t.TempDir(), "runs")
	if err := run(context.Background(), smallRunArgs(artifactsDir, "--pop", "0")); err == nil {
		t.Fatal("expected population size error")
	}
	if err := run(context.Background(), smallRunArgs(artifactsDir, "--selection", "roulette")); err == nil {
		t.Fatal("expected unknown selection error")
	}
}

func TestCommandUsageErrors(t *testing.T) {
	err := run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "usage: gnasctl") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run(context.Background(), []string{"evolve"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if err := run(context.Background(), []string{"fitness", "--run-id", "a", "--latest"}); err == nil {
		t.Fatal("expected conflicting selector error")
	}
	if err := run(context.Background(), []string{"export"}); err == nil {
		t.Fatal("expected missing run id error")
	}
	if err := run(context.Background(), []string{"population"}); err == nil {
		t.Fatal("expected missing subcommand error")
	}
	if err := run(context.Background(), []string{"population", "delete"}); err == nil {
		t.Fatal("expected missing run id error")
	}
}

func TestRunsCommandEmptyIndex(t *testing.T) {
	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--store", "memory", "--artifacts-dir", t.TempDir()})
	})
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.Bytes()
	}()
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout
	out := <-done
	_ = r.Close()
	return string(out), runErr
}
