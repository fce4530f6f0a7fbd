package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle              = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle              = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	doneStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	progressBarStyle        = lipgloss.NewStyle().Padding(0, 1)
	fileProgressHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	fileStatusStyle         = map[string]lipgloss.Style{
		StatusQueued:        lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		StatusDownloading:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		StatusExtracting:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		StatusConsolidating: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusComplete:      lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		StatusSkipped:       lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		StatusError:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type FileProgress struct {
	FileName string
	Status   string
	ErrMsg   string
	Start    time.Time
	Elapsed  time.Duration
}

// StageResult is one finished stage as shown in the footer.
type StageResult struct {
	Tag      string
	Duration time.Duration
	Err      error
}

// Model renders the running pipeline: the current stage's bar and the most
// recent units, followed by the finished stages.
type Model struct {
	title            string
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	mu             sync.RWMutex
	fileProgress   map[string]*FileProgress
	fileOrder      []string
	overallTotal   int64
	overallCurrent int64
	currentTaskTag string
	lastActivity   string
	finished       []StageResult

	Done     bool
	FinalErr error
	Quitting bool

	termWidth  int
	termHeight int
}

func NewModel(title string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Model{
		title:           title,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		fileProgress:    make(map[string]*FileProgress),
		termWidth:       120,
		termHeight:      30,
	}
}

func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.Quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case ProgressMsg:
		m.mu.Lock()
		if msg.Tag != m.currentTaskTag {
			m.fileProgress = make(map[string]*FileProgress)
			m.fileOrder = nil
		}
		m.currentTaskTag = msg.Tag
		m.overallCurrent = msg.Current
		m.overallTotal = msg.Total
		m.lastActivity = msg.Activity
		m.mu.Unlock()
		var percent float64
		if msg.Total > 0 {
			percent = float64(msg.Current) / float64(msg.Total)
		}
		cmds = append(cmds, m.overallProgress.SetPercent(percent))
	case FileProgressMsg:
		m.mu.Lock()
		if _, exists := m.fileProgress[msg.FileID]; !exists {
			m.fileProgress[msg.FileID] = &FileProgress{
				FileName: msg.FileName,
				Status:   StatusQueued,
				Start:    time.Now(),
			}
			m.fileOrder = append(m.fileOrder, msg.FileID)
		}
		fp := m.fileProgress[msg.FileID]
		fp.Status = msg.Status
		fp.ErrMsg = msg.ErrMsg
		if msg.ElapsedTime > 0 {
			fp.Elapsed = msg.ElapsedTime
		} else if terminal(msg.Status) && fp.Elapsed == 0 {
			fp.Elapsed = time.Since(fp.Start)
		}
		m.mu.Unlock()
	case TaskFinishedMsg:
		m.mu.Lock()
		m.finished = append(m.finished, StageResult{Tag: msg.Tag, Duration: msg.EndTime.Sub(msg.StartTime), Err: msg.Err})
		m.mu.Unlock()
	case PipelineDoneMsg:
		m.Done = true
		m.FinalErr = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("--- %s ---", m.title)))
	b.WriteString("\n\n")
	if !m.Done {
		b.WriteString(m.viewProgress())
	}
	b.WriteString(m.viewFinished())

	b.WriteString("\n")
	switch {
	case m.Done && m.FinalErr != nil:
		b.WriteString(errorStyle.Render(wrapText("Run finished with errors: "+m.FinalErr.Error(), m.termWidth-4)))
	case m.Done:
		b.WriteString(doneStyle.Render("Run finished."))
	default:
		b.WriteString(infoStyle.Render("Pipeline running... 'q' or Ctrl+C to cancel."))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) viewProgress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s Running stage: %s %s\n", m.spinner.View(), m.currentTaskTag, m.lastActivity))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n\n", m.overallCurrent, m.overallTotal))

	maxLines := max(1, m.termHeight-12)
	startIdx := 0
	if len(m.fileOrder) > maxLines {
		startIdx = len(m.fileOrder) - maxLines
	}

	if len(m.fileOrder) == 0 {
		return b.String()
	}
	b.WriteString(fileProgressHeaderStyle.Render(fmt.Sprintf("%-40s | %-15s | %s", "Unit", "Status", "Elapsed")))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", m.termWidth))
	b.WriteString("\n")
	for _, id := range m.fileOrder[startIdx:] {
		fp := m.fileProgress[id]
		statusStyled, ok := fileStatusStyle[fp.Status]
		if !ok {
			statusStyled = infoStyle
		}
		elapsedStr := ""
		if fp.Elapsed > 0 {
			elapsedStr = fp.Elapsed.Round(time.Millisecond).String()
		} else if !terminal(fp.Status) && fp.Status != StatusQueued {
			elapsedStr = time.Since(fp.Start).Round(time.Second).String() + "..."
		}
		fileName := fp.FileName
		if len(fileName) > 40 {
			fileName = fileName[:37] + "..."
		}
		b.WriteString(fmt.Sprintf("%-40s | %-15s | %s", fileName, statusStyled.Render(fp.Status), elapsedStr))
		if fp.Status == StatusError && fp.ErrMsg != "" {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render(truncate("  -> Error: "+fp.ErrMsg, m.termWidth-1)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) viewFinished() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	for _, s := range m.finished {
		line := fmt.Sprintf("%-12s %s", s.Tag, s.Duration.Round(time.Millisecond))
		if s.Err != nil {
			b.WriteString(errorStyle.Render(truncate(line+"  "+s.Err.Error(), m.termWidth-1)))
		} else {
			b.WriteString(doneStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TUIReporter forwards progress into a running tea.Program.
type TUIReporter struct {
	program *tea.Program
}

func NewTUIReporter(p *tea.Program) *TUIReporter {
	return &TUIReporter{program: p}
}

func (r *TUIReporter) Progress(msg ProgressMsg)         { r.program.Send(msg) }
func (r *TUIReporter) FileProgress(msg FileProgressMsg) { r.program.Send(msg) }
func (r *TUIReporter) TaskFinished(msg TaskFinishedMsg) { r.program.Send(msg) }

func terminal(status string) bool {
	return status == StatusComplete || status == StatusSkipped || status == StatusError
}

func truncate(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
