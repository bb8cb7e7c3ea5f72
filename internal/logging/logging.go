// Package logging configures structured logging for the reconstruction
// pipeline and provides stage/job-level helpers used by the scheduler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reconstruct/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with file output per cfg.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("reconstruct-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "reconstruct-current.log")
		os.Remove(currentLogPath)
		os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	multiWriter := io.MultiWriter(writers...)
	logger := log.New(multiWriter, "", log.LstdFlags)

	handler := &TraditionalHandler{logger: logger, level: level}
	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Info("reconstruct logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String()

	msg := r.Message
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(level), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *TraditionalHandler) WithGroup(name string) slog.Handler      { return h }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs the beginning of a reconstruction job.
func LogJobStart(logger *slog.Logger, jobID, inputPath, qualityTag string) {
	logger.Info("job started",
		"id", jobID,
		"input", inputPath,
		"quality", qualityTag,
	)
}

// LogJobComplete logs successful job completion.
func LogJobComplete(logger *slog.Logger, jobID string, duration time.Duration) {
	logger.Info("job completed successfully",
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogJobError logs job failure.
func LogJobError(logger *slog.Logger, jobID string, duration time.Duration, err error) {
	logger.Error("job failed",
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogStageStart logs the beginning of one DAG stage within a job.
func LogStageStart(logger *slog.Logger, jobID, stage string) {
	logger.Info("stage started", "job_id", jobID, "stage", stage)
}

// LogStageProgress logs an intermediate progress update for a running stage.
func LogStageProgress(logger *slog.Logger, jobID, stage string, fraction float64, activity string) {
	logger.Debug("stage progress", "job_id", jobID, "stage", stage, "fraction", fraction, "activity", activity)
}

// LogStageComplete logs successful completion of one DAG stage.
func LogStageComplete(logger *slog.Logger, jobID, stage string, duration time.Duration) {
	logger.Info("stage completed", "job_id", jobID, "stage", stage, "duration_ms", duration.Milliseconds())
}

// LogStageError logs failure of one DAG stage.
func LogStageError(logger *slog.Logger, jobID, stage string, duration time.Duration, err error) {
	logger.Error("stage failed", "job_id", jobID, "stage", stage, "duration_ms", duration.Milliseconds(), "error", err.Error())
}

// LogToolStatus logs tool detection and status.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "version", version, "path", path)
	} else {
		logger.Debug("tool not available", "tool", tool, "error", err)
	}
}
