package arb

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// color-compatible printer interface (works with *color.Theme and color.RGBColor)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// cPrintln prints a line with the given style or falls back to fmt.Println when nil
func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// stepf prints an arrow-prefixed progress line.
func stepf(p colorPrinter, format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(p, format, a...)
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// commandRunner runs a prepared command to completion. *Executor is the
// production implementation; tests substitute recorders.
type commandRunner interface {
	Run(cmd *exec.Cmd) error
}

// runOutput runs cmd through r and returns its stdout.
func runOutput(r commandRunner, cmd *exec.Cmd) ([]byte, error) {
	var out bytes.Buffer
	cmd.Stdout = &out
	err := r.Run(cmd)
	return out.Bytes(), err
}

// splitLines returns the non-empty lines of out.
func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func envWith(extra ...string) []string {
	return append(os.Environ(), extra...)
}
