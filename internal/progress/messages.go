package progress

import (
	"fmt"
	"time"
)

// Unit statuses shown per archive, entity or artifact.
const (
	StatusQueued        = "Queued"
	StatusDownloading   = "Downloading"
	StatusExtracting    = "Extracting"
	StatusConsolidating = "Consolidating"
	StatusComplete      = "Complete"
	StatusSkipped       = "Skipped"
	StatusError         = "Error"
)

// ProgressMsg updates the overall progress bar.
type ProgressMsg struct {
	Tag      string // stage, e.g. "Download", "Extract"
	Current  int64
	Total    int64
	Activity string
}

// FileProgressMsg updates the status of one unit of work.
type FileProgressMsg struct {
	FileID      string
	FileName    string
	Status      string
	ElapsedTime time.Duration
	ErrMsg      string
}

// TaskFinishedMsg signals the completion of a pipeline stage.
type TaskFinishedMsg struct {
	Tag       string
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Message   string
}

// PipelineDoneMsg tells the TUI that no more messages will arrive.
type PipelineDoneMsg struct {
	Err error
}

func NewProgress(tag string, current, total int64, activity string) ProgressMsg {
	return ProgressMsg{Tag: tag, Current: current, Total: total, Activity: activity}
}

func NewFileProgress(fileID, fileName, status string, elapsed time.Duration, err error) FileProgressMsg {
	msg := FileProgressMsg{
		FileID:      fileID,
		FileName:    fileName,
		Status:      status,
		ElapsedTime: elapsed,
	}
	if err != nil {
		msg.ErrMsg = err.Error()
	}
	return msg
}

func NewTaskFinished(tag string, start time.Time, err error, msg string) TaskFinishedMsg {
	return TaskFinishedMsg{
		Tag:       tag,
		StartTime: start,
		EndTime:   time.Now(),
		Err:       err,
		Message:   msg,
	}
}

func (t TaskFinishedMsg) Error() string {
	if t.Err != nil {
		return t.Err.Error()
	}
	return ""
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Tag, p.Current, p.Total)
}
func (fp FileProgressMsg) String() string {
	return fmt.Sprintf("FileProgress %s: %s", fp.FileID, fp.Status)
}
func (tf TaskFinishedMsg) String() string { return fmt.Sprintf("TaskFinished %s", tf.Tag) }
