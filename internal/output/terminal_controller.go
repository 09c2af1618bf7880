package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// TerminalController serializes everything written to the terminal so that log lines,
// evidence blocks and the progress bar never interleave.
type TerminalController struct {
	mu         sync.Mutex
	out        io.Writer
	isTerminal bool
	bar        *progressbar.ProgressBar
}

// NewTerminalController wraps out. isTerminal enables line clearing.
func NewTerminalController(out io.Writer, isTerminal bool) *TerminalController {
	return &TerminalController{out: out, isTerminal: isTerminal}
}

func (tc *TerminalController) setProgressBar(bar *progressbar.ProgressBar) {
	tc.mu.Lock()
	tc.bar = bar
	tc.mu.Unlock()
}

// IsTerminal reports whether the output is a terminal.
func (tc *TerminalController) IsTerminal() bool {
	return tc.isTerminal
}

// clearLine must be called with tc.mu held.
func (tc *TerminalController) clearLine() {
	if tc.bar != nil {
		_ = tc.bar.Clear()
	} else if tc.isTerminal {
		fmt.Fprint(tc.out, "\033[2K\r")
	}
}

// CoordinateOutput executes fn with exclusive access to the terminal.
func (tc *TerminalController) CoordinateOutput(fn func(w io.Writer)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.clearLine()
	fn(tc.out)
}

// Write makes the controller usable as the logger's output.
func (tc *TerminalController) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	tc.CoordinateOutput(func(w io.Writer) {
		n, err = w.Write(p)
	})
	return n, err
}
