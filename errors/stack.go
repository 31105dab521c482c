package errors

import (
	"runtime"
	"strings"
)

// Maximum number of frames to include on a stack trace.
const maxStackDepth = 32

// A StackFrame contains all necessary information about a specific line
// in a callstack.
type StackFrame struct {
	// The path to the file containing this program counter.
	File string `json:"filename,omitempty"`

	// The line number in that file.
	LineNumber int `json:"line_number,omitempty"`

	// The name of the function that contains this program counter.
	Function string `json:"function,omitempty"`

	// The package that contains this function.
	Package string `json:"package,omitempty"`

	// The underlying program counter.
	ProgramCounter uintptr `json:"program_counter,omitempty"`
}

// Capture the callers stack, dropping `skip` frames in addition to the
// capture machinery itself.
func getStack(skip int) []StackFrame {
	pc := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pc)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pc[:n])
	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		pkg, fn := splitName(frame.Function)
		stack = append(stack, StackFrame{
			File:           frame.File,
			LineNumber:     frame.Line,
			Function:       fn,
			Package:        pkg,
			ProgramCounter: frame.PC,
		})
		if !more {
			break
		}
	}
	return stack
}

// Split a fully qualified function name into its package path and
// function segments.
func splitName(qualified string) (string, string) {
	idx := strings.LastIndex(qualified, "/")
	dot := strings.Index(qualified[idx+1:], ".")
	if dot < 0 {
		return "", qualified
	}
	dot += idx + 1
	return qualified[:dot], qualified[dot+1:]
}
