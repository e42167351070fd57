//go:build linux

package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/kballard/go-shellquote"
)

// DebugLogger provides launch diagnostics. Disabled when output is nil.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a debug logger; a nil output disables it.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled reports whether debug output is active.
func (d *DebugLogger) Enabled() bool {
	return d.output != nil
}

// Logf outputs one formatted debug line.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// renderCommandLine renders an argv as a copy-pasteable shell command.
func renderCommandLine(argv []string) string {
	return shellquote.Join(argv...)
}

// defaultArch maps the Go architecture onto the deploy arch names.
func defaultArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}
