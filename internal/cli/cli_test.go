package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reconstruct/internal/config"
	"reconstruct/internal/layout"
	"reconstruct/internal/logging"
	"reconstruct/internal/stagegraph"
)

func testRoot(t *testing.T) *Root {
	t.Helper()
	cfg := &config.Config{
		Quality:   config.QualityCfg{DefaultTag: "fast"},
		Toolchain: config.Toolchain{BinaryPath: "colmap"},
	}
	return NewRoot(cfg, logging.New("error", "text"), nil)
}

func TestRunRequiresWorkspaceFlag(t *testing.T) {
	root := testRoot(t)
	code := RunContext(context.Background(), root, []string{"run", "somefile.mp4"})
	if code != ExitInvalidArgs {
		t.Fatalf("exit code = %d, want %d", code, ExitInvalidArgs)
	}
}

func TestStatusMissingJobReturnsNotFound(t *testing.T) {
	root := testRoot(t)
	dir := t.TempDir()
	code := RunContext(context.Background(), root, []string{"status", "--workspace", dir, "nosuchjob"})
	if code != ExitNotFound {
		t.Fatalf("exit code = %d, want %d", code, ExitNotFound)
	}
}

func TestDeleteRefusesNonTerminalJob(t *testing.T) {
	root := testRoot(t)
	dir := t.TempDir()
	lay := layout.New(dir, "job1")
	if err := os.MkdirAll(lay.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := stagegraph.NewDocument(time.Now())
	doc.State = stagegraph.StateRunning
	if err := stagegraph.Save(doc, lay.Progress(), lay.ProgressTemp()); err != nil {
		t.Fatal(err)
	}

	code := RunContext(context.Background(), root, []string{"delete", "--workspace", dir, "job1"})
	if code != ExitNotTerminal {
		t.Fatalf("exit code = %d, want %d", code, ExitNotTerminal)
	}
	if _, err := os.Stat(lay.Dir()); err != nil {
		t.Fatalf("job directory should still exist: %v", err)
	}
}

func TestDeleteRemovesTerminalJob(t *testing.T) {
	root := testRoot(t)
	dir := t.TempDir()
	lay := layout.New(dir, "job2")
	if err := os.MkdirAll(lay.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := stagegraph.NewDocument(time.Now())
	doc.State = stagegraph.StateCompleted
	if err := stagegraph.Save(doc, lay.Progress(), lay.ProgressTemp()); err != nil {
		t.Fatal(err)
	}

	code := RunContext(context.Background(), root, []string{"delete", "--workspace", dir, "job2"})
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	if _, err := os.Stat(lay.Dir()); !os.IsNotExist(err) {
		t.Fatalf("job directory should be removed, stat err = %v", err)
	}
}

func TestCancelIsIdempotentOnTerminalJob(t *testing.T) {
	root := testRoot(t)
	dir := t.TempDir()
	lay := layout.New(dir, "job3")
	if err := os.MkdirAll(lay.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := stagegraph.NewDocument(time.Now())
	doc.State = stagegraph.StateFailed
	if err := stagegraph.Save(doc, lay.Progress(), lay.ProgressTemp()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		code := RunContext(context.Background(), root, []string{"cancel", "--workspace", dir, "job3"})
		if code != ExitOK {
			t.Fatalf("call %d: exit code = %d, want %d", i, code, ExitOK)
		}
	}

	got, err := stagegraph.Load(lay.Progress())
	if err != nil {
		t.Fatal(err)
	}
	if got.State != stagegraph.StateFailed {
		t.Errorf("state = %v, want unchanged StateFailed", got.State)
	}
}

func TestVersionCommandSucceeds(t *testing.T) {
	root := testRoot(t)
	if code := RunContext(context.Background(), root, []string{"version"}); code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
}

func TestConfigCommandSucceeds(t *testing.T) {
	root := testRoot(t)
	if code := RunContext(context.Background(), root, []string{"config"}); code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	e := &ExitError{Code: ExitOther, Err: inner}
	if !errors.Is(e, inner) {
		t.Errorf("expected ExitError to unwrap to inner error")
	}
}

func TestStatusReadsPersistedProgress(t *testing.T) {
	root := testRoot(t)
	dir := t.TempDir()
	lay := layout.New(dir, "job4")
	if err := os.MkdirAll(lay.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := stagegraph.NewDocument(time.Now())
	doc.Stages[stagegraph.StageVideoAnalyze].State = stagegraph.StateCompleted
	if err := stagegraph.Save(doc, lay.Progress(), lay.ProgressTemp()); err != nil {
		t.Fatal(err)
	}

	code := RunContext(context.Background(), root, []string{"status", "--workspace", dir, "job4"})
	if code != ExitOK {
		t.Fatalf("exit code = %d, want %d", code, ExitOK)
	}
	if _, err := os.Stat(filepath.Join(dir, "job4", "progress.json")); err != nil {
		t.Fatal(err)
	}
}
