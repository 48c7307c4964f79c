package linutil

import (
	"fmt"
	"strings"
)

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%-8s %#016x", r.Name, r.Value)
}

// FormatRegisters returns the registers as a table, one register per line.
func FormatRegisters(regs []Register) string {
	var buf strings.Builder
	for _, reg := range regs {
		buf.WriteString(reg.String())
		buf.WriteByte('\n')
	}
	return buf.String()
}
