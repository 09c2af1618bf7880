package output

import (
	"io"

	"github.com/fatih/color"

	"github.com/rafabd1/nightshade/internal/report"
)

// Console prints evidence blocks: red for vulnerabilities, yellow for anomalies.
type Console struct {
	tc     *TerminalController
	red    *color.Color
	yellow *color.Color
}

// NewConsole creates a Console writing through tc.
func NewConsole(tc *TerminalController, noColor bool) *Console {
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	if noColor {
		red.DisableColor()
		yellow.DisableColor()
	} else {
		red.EnableColor()
		yellow.EnableColor()
	}
	return &Console{tc: tc, red: red, yellow: yellow}
}

// Vulnerability prints a confirmed vulnerability with the request that triggered it.
func (c *Console) Vulnerability(title, evil string) {
	c.block(c.red, title, evil)
}

// Anomaly prints an anomaly with the request that triggered it.
func (c *Console) Anomaly(title, evil string) {
	c.block(c.yellow, title, evil)
}

// Warning prints a message that must reach the user even in silent mode.
func (c *Console) Warning(msg string) {
	c.tc.CoordinateOutput(func(w io.Writer) {
		c.yellow.Fprintln(w, "[!] "+msg)
	})
}

func (c *Console) block(col *color.Color, title, evil string) {
	c.tc.CoordinateOutput(func(w io.Writer) {
		col.Fprintln(w, "---")
		col.Fprintln(w, title)
		col.Fprintln(w, report.MsgEvilRequest)
		col.Fprintln(w, evil)
		col.Fprintln(w, "---")
	})
}
