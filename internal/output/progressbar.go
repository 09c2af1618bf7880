package output

import (
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress tracks attacked base requests. A disabled Progress ignores every call.
type Progress struct {
	tc  *TerminalController
	bar *progressbar.ProgressBar
}

// NewProgress draws a bar of total steps when enabled and the output is a terminal.
func NewProgress(tc *TerminalController, total int, description string, enabled bool) *Progress {
	p := &Progress{tc: tc}
	if !enabled || !tc.IsTerminal() || total <= 0 {
		return p
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(tc.out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription("[cyan]"+description+"[reset]"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "|",
			BarEnd:        "|",
		}))
	tc.setProgressBar(p.bar)
	return p
}

// Increment advances the bar by one step.
func (p *Progress) Increment() {
	if p.bar == nil {
		return
	}
	p.tc.mu.Lock()
	_ = p.bar.Add(1)
	p.tc.mu.Unlock()
}

// Finish removes the bar from the terminal.
func (p *Progress) Finish() {
	if p.bar == nil {
		return
	}
	p.tc.mu.Lock()
	_ = p.bar.Finish()
	p.tc.mu.Unlock()
	p.tc.setProgressBar(nil)
}
