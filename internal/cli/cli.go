// Package cli implements the reconstruction pipeline's command-line
// surface: run a job to completion, query status, cancel, delete, and
// inspect the loaded configuration.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"reconstruct/internal/config"
	"reconstruct/internal/layout"
	"reconstruct/internal/quality"
	"reconstruct/internal/stagegraph"
	"reconstruct/internal/storage"
)

// ExitError carries the process exit code spec.md §6 assigns to each
// distinct CLI failure class.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

const (
	ExitOK              = 0
	ExitOther           = 1
	ExitInvalidArgs     = 2
	ExitNotFound        = 3
	ExitNotTerminal     = 4
)

// Root wires CLI commands to the scheduler, config, and store.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{cfg: cfg, log: logger, store: store}
}

// NewRootCmd builds the Cobra command tree.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconstruct",
		Short:         "Video-to-point-cloud reconstruction pipeline",
		Long:          "reconstruct drives a video through frame extraction, structure-from-motion, multi-view stereo, and post-processing to produce a metric-scaled, colored 3D point cloud.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newCancelCmd(root))
	rootCmd.AddCommand(newDeleteCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		workspace string
		workers   int
		qualityTag string
		is360Hint string
	)

	cmd := &cobra.Command{
		Use:   "run <video_path>",
		Short: "Submit a video and run it through the stage graph to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return &ExitError{Code: ExitInvalidArgs, Err: fmt.Errorf("--workspace is required")}
			}
			tag := quality.Tag(qualityTag)
			if qualityTag == "" {
				tag = quality.Tag(root.cfg.Quality.DefaultTag)
			}

			sched := stagegraph.New(cmd.Context(), workers, workspace, root.log, root.store, root.cfg.Toolchain.BinaryPath)
			defer sched.Stop()

			if err := sched.RecoverAndRequeue(); err != nil {
				root.log.Warn("crash recovery scan failed", "error", err)
			}

			events, unsub := sched.Subscribe()
			defer unsub()

			jobID, err := sched.Submit(stagegraph.JobSpec{
				InputPath:  args[0],
				QualityTag: tag,
				Is360Hint:  is360Hint,
			})
			if err != nil {
				return &ExitError{Code: ExitInvalidArgs, Err: err}
			}

			fmt.Printf("job submitted: %s\n", jobID)

			for ev := range events {
				if ev.JobID != jobID {
					continue
				}
				switch ev.State {
				case stagegraph.StateCompleted:
					fmt.Printf("job %s completed (overall_progress=%.2f)\n", jobID, ev.OverallProgress)
					return nil
				case stagegraph.StateFailed, stagegraph.StateCancelled:
					return &ExitError{Code: ExitOther, Err: fmt.Errorf("job %s ended in state %s: %s", jobID, ev.State, ev.FailureReason)}
				}
			}
			return &ExitError{Code: ExitOther, Err: fmt.Errorf("job %s: event stream closed before a terminal state", jobID)}
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root directory")
	cmd.Flags().IntVar(&workers, "workers", defaultWorkerCount(), "number of concurrent jobs")
	cmd.Flags().StringVar(&qualityTag, "quality", "", "quality tag: fast, medium, high, ultra (defaults to config)")
	cmd.Flags().StringVar(&is360Hint, "is-360", "auto", "360-video hint: true, false, or auto")
	return cmd
}

func defaultWorkerCount() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		workspace string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Print a job's per-stage and overall progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return &ExitError{Code: ExitInvalidArgs, Err: fmt.Errorf("--workspace is required")}
			}
			lay := layout.New(workspace, args[0])
			doc, err := stagegraph.Load(lay.Progress())
			if os.IsNotExist(err) {
				return &ExitError{Code: ExitNotFound, Err: fmt.Errorf("job %s not found", args[0])}
			}
			if err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			if !follow || isTerminal(doc.State) {
				return printStatus(args[0], doc)
			}
			return followStatus(cmd.Context(), args[0], lay, doc)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root directory")
	cmd.Flags().BoolVar(&follow, "follow", false, "block, reprinting status as progress.json changes, until the job reaches a terminal state")
	return cmd
}

func isTerminal(state stagegraph.State) bool {
	return state == stagegraph.StateCompleted || state == stagegraph.StateFailed || state == stagegraph.StateCancelled
}

// followStatus blocks on fsnotify events against the job's workspace
// directory, reprinting status on every write/rename touching
// progress.json, until the job reaches a terminal state. This avoids
// busy-polling a file that a live `run` process may update many times a
// second during fast stages.
func followStatus(ctx context.Context, jobID string, lay layout.Layout, doc *stagegraph.Document) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &ExitError{Code: ExitOther, Err: err}
	}
	defer watcher.Close()
	if err := watcher.Add(lay.Dir()); err != nil {
		return &ExitError{Code: ExitOther, Err: err}
	}

	if err := printStatus(jobID, doc); err != nil {
		return err
	}
	progressPath := lay.Progress()

	for {
		select {
		case <-ctx.Done():
			return &ExitError{Code: ExitOther, Err: ctx.Err()}
		case err, ok := <-watcher.Errors:
			if !ok {
				return &ExitError{Code: ExitOther, Err: fmt.Errorf("status --follow: watcher closed")}
			}
			return &ExitError{Code: ExitOther, Err: err}
		case ev, ok := <-watcher.Events:
			if !ok {
				return &ExitError{Code: ExitOther, Err: fmt.Errorf("status --follow: watcher closed")}
			}
			if ev.Name != progressPath || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			doc, err := stagegraph.Load(progressPath)
			if err != nil {
				continue // a rename mid-write can race a read; the next event retries.
			}
			if err := printStatus(jobID, doc); err != nil {
				return err
			}
			if isTerminal(doc.State) {
				return nil
			}
		}
	}
}

func printStatus(jobID string, doc *stagegraph.Document) error {
	out := struct {
		JobID           string                                          `json:"job_id"`
		State           stagegraph.State                                `json:"state"`
		OverallProgress float64                                         `json:"overall_progress"`
		Stages          map[stagegraph.Stage]*stagegraph.StageExecution `json:"stages"`
	}{
		JobID:           jobID,
		State:           doc.State,
		OverallProgress: doc.OverallProgress(),
		Stages:          doc.Stages,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newCancelCmd(root *Root) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return &ExitError{Code: ExitInvalidArgs, Err: fmt.Errorf("--workspace is required")}
			}
			lay := layout.New(workspace, args[0])
			doc, err := stagegraph.Load(lay.Progress())
			if os.IsNotExist(err) {
				return &ExitError{Code: ExitNotFound, Err: fmt.Errorf("job %s not found", args[0])}
			}
			if err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			// Idempotent: a job already terminal is left untouched. A
			// non-terminal job is cancelled by dropping a sentinel file
			// in its workspace rather than rewriting progress.json
			// directly: the job almost always runs under a separate
			// `run` invocation's Scheduler, which owns progress.json and
			// would silently clobber a direct rewrite back to "running"
			// on its next save. The live scheduler polls for the
			// sentinel and cancels its own context when it appears.
			switch doc.State {
			case stagegraph.StateCompleted, stagegraph.StateFailed, stagegraph.StateCancelled:
				fmt.Printf("job %s already terminal (%s); cancel is a no-op\n", args[0], doc.State)
				return nil
			default:
				if err := os.WriteFile(lay.CancelRequest(), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
					return &ExitError{Code: ExitOther, Err: err}
				}
				fmt.Printf("job %s cancellation requested\n", args[0])
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root directory")
	return cmd
}

func newDeleteCmd(root *Root) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "delete <job_id>",
		Short: "Remove a terminal job's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return &ExitError{Code: ExitInvalidArgs, Err: fmt.Errorf("--workspace is required")}
			}
			lay := layout.New(workspace, args[0])
			doc, err := stagegraph.Load(lay.Progress())
			if os.IsNotExist(err) {
				return &ExitError{Code: ExitNotFound, Err: fmt.Errorf("job %s not found", args[0])}
			}
			if err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			if doc.State != stagegraph.StateCompleted && doc.State != stagegraph.StateFailed && doc.State != stagegraph.StateCancelled {
				return &ExitError{Code: ExitNotTerminal, Err: fmt.Errorf("job %s is not terminal (state=%s)", args[0], doc.State)}
			}
			if root.store != nil {
				_ = root.store.DeleteJob(args[0])
			}
			if err := os.RemoveAll(lay.Dir()); err != nil {
				return &ExitError{Code: ExitOther, Err: err}
			}
			fmt.Printf("job %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root directory")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the loaded configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("reconstruct v0.1.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}

// RunContext runs the CLI with ctx and returns the exit code spec.md §6
// assigns to the outcome.
func RunContext(ctx context.Context, root *Root, args []string) int {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "error:", exitErr.Err)
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return ExitOther
}
