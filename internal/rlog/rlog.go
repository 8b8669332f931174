// Package rlog is a small shared logging helper: "[component] message"
// prefixed lines with a Verbose toggle, so the engine, scheduler and
// admin surfaces share one call site instead of each reinventing the
// prefix.
package rlog

import (
	"fmt"
	"log"
)

// Verbose toggles whether Debugf calls print at all.
var Verbose = false

// Logger prefixes every line with "[component] ".
type Logger struct {
	component string
}

// New returns a Logger for component.
func New(component string) Logger {
	return Logger{component: component}
}

func (l Logger) Printf(format string, args ...any) {
	log.Printf("[%s] %s", l.component, fmt.Sprintf(format, args...))
}

func (l Logger) Debugf(format string, args ...any) {
	if !Verbose {
		return
	}
	log.Printf("[%s] %s", l.component, fmt.Sprintf(format, args...))
}

func (l Logger) Errorf(format string, args ...any) {
	log.Printf("[%s] ERROR: %s", l.component, fmt.Sprintf(format, args...))
}
