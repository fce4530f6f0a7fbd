// Package progress carries pipeline progress to the terminal, either as
// structured log lines or as a bubbletea view.
package progress

import (
	"log/slog"
	"time"
)

// Reporter receives progress from concurrent workers and must be safe for concurrent use.
type Reporter interface {
	Progress(ProgressMsg)
	FileProgress(FileProgressMsg)
	TaskFinished(TaskFinishedMsg)
}

// OrNop returns r, or a Reporter that discards everything when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return nop{}
	}
	return r
}

type nop struct{}

func (nop) Progress(ProgressMsg)         {}
func (nop) FileProgress(FileProgressMsg) {}
func (nop) TaskFinished(TaskFinishedMsg) {}

// LogReporter writes progress as slog records. Per-unit updates are logged at
// debug level except failures.
type LogReporter struct {
	Logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{Logger: logger}
}

func (r *LogReporter) Progress(msg ProgressMsg) {
	r.Logger.Info("Stage progress.",
		slog.String("stage", msg.Tag),
		slog.Int64("current", msg.Current),
		slog.Int64("total", msg.Total),
		slog.String("activity", msg.Activity),
	)
}

func (r *LogReporter) FileProgress(msg FileProgressMsg) {
	l := r.Logger.With(slog.String("unit", msg.FileName), slog.String("status", msg.Status))
	if msg.ElapsedTime > 0 {
		l = l.With(slog.Duration("elapsed", msg.ElapsedTime.Round(time.Millisecond)))
	}
	if msg.Status == StatusError {
		l.Warn("Unit failed.", "error", msg.ErrMsg)
		return
	}
	l.Debug("Unit status changed.")
}

func (r *LogReporter) TaskFinished(msg TaskFinishedMsg) {
	l := r.Logger.With(slog.String("stage", msg.Tag), slog.Duration("duration", msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond)))
	if msg.Err != nil {
		l.Error("Stage finished with errors.", "error", msg.Err)
		return
	}
	l.Info("Stage finished.", slog.String("message", msg.Message))
}
