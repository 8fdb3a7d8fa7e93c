package peer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer draws a single self-overwriting progress line for one
// download. Colors are used only when the writer is a terminal.
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *DownloadTracker, w io.Writer) *ProgressRenderer {
	useColors := false
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		useColors = true
		w = colorable.NewColorable(f)
	}

	return &ProgressRenderer{
		tracker:     tracker,
		out:         w,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

// SetRefreshRate must be called before Start.
func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start runs the render loop until Stop or StopAndWait.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// Stop signals the renderer to stop (does not wait for completion)
func (pr *ProgressRenderer) Stop() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
}

// StopAndWait stops the loop, then draws the final success or failure line.
func (pr *ProgressRenderer) StopAndWait() {
	pr.Stop()
	<-pr.doneChan

	if pr.tracker.IsComplete() {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

func (pr *ProgressRenderer) Render() {
	completed, total, speed, peerCount, failed := pr.tracker.GetProgress()
	eta := pr.tracker.GetETA(protocol.BlockSize)

	percent := 100.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s]%s %.1f%%%s (%d/%d blocks) | %s/s | %d peers | ETA: %s",
			Cyan, pr.tracker.FileName, Reset,
			Green+bar+Reset,
			Yellow, percent, Reset, completed, total,
			Blue+formatBytes(speed)+Reset, peerCount, formatETA(eta),
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%d/%d blocks) | %s/s | %d peers | ETA: %s",
			pr.tracker.FileName, bar, percent, completed, total,
			formatBytes(speed), peerCount, formatETA(eta),
		)
	}

	if failed > 0 {
		if pr.useColors {
			line += Red + fmt.Sprintf(" | %d dropped", failed) + Reset
		} else {
			line += fmt.Sprintf(" | %d dropped", failed)
		}
	}

	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _, _ := pr.tracker.GetProgress()
	elapsed := pr.tracker.GetElapsedTime()
	bytes := float64(pr.tracker.GetBytesDownloaded())

	// Clear the previous line completely
	fmt.Fprint(pr.out, "\r\033[K")

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s]%s 100%% (%d/%d blocks)%s | %s in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, total, total, Reset,
			formatBytes(bytes), formatDuration(elapsed),
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%d/%d blocks) | %s in %s\n",
		pr.tracker.FileName, strings.Repeat("█", pr.width),
		total, total, formatBytes(bytes), formatDuration(elapsed),
	)
}

// RenderError renders an error state
func (pr *ProgressRenderer) RenderError() {
	fmt.Fprint(pr.out, "\r\033[K")

	completed, total, _, _, failed := pr.tracker.GetProgress()
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %.1f%% | %s%sDownload failed%s: %d/%d completed, %d dropped\n",
			Cyan, pr.tracker.FileName, Reset,
			Red+"✗"+Reset,
			percent,
			Red, Bold, Reset, completed, total, failed,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [✗] %.1f%% | Download failed: %d/%d completed, %d dropped\n",
		pr.tracker.FileName, percent, completed, total, failed,
	)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	if eta < time.Second {
		return "<1s"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
