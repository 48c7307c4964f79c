package terminal

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// getColorableWriter returns a writer for the console output. Escape
// sequences are stripped when stdout is not a terminal or the terminal is
// dumb.
func getColorableWriter(dumb bool) io.Writer {
	if dumb || !isatty.IsTerminal(os.Stdout.Fd()) {
		return colorable.NewNonColorable(os.Stdout)
	}
	return colorable.NewColorableStdout()
}
