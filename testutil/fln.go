package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// FileLineNumber is where a step of a scripted test was written, so that a failure can
// be reported against the step rather than the loop running it.
type FileLineNumber struct {
	File string
	Line int
}

func (fln FileLineNumber) String() string {
	if fln.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", filepath.Base(fln.File), fln.Line)
}

// MakeFileLineNumber returns the location of the caller of its caller.
func MakeFileLineNumber() FileLineNumber {
	pcs := make([]uintptr, 1)
	if runtime.Callers(3, pcs) == 0 {
		return FileLineNumber{}
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	return FileLineNumber{File: frame.File, Line: frame.Line}
}
