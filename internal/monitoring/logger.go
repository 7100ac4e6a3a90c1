// Package monitoring holds the package-level diagnostic logger shared by the
// pipeline stages. Every skip and failure line carries the case, group, or
// modality identifier it refers to, so a cohort run can be audited from the
// log alone.
package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Skipf logs a per-case or per-group skip. Skips are ordinary cohort events,
// not errors, but they must always be visible in the run log.
func Skipf(unit, format string, v ...interface{}) {
	Logf("[skip] %s: %s", unit, fmt.Sprintf(format, v...))
}

// Failf logs a recoverable per-unit failure that the pipeline continues past.
func Failf(unit, format string, v ...interface{}) {
	Logf("[fail] %s: %s", unit, fmt.Sprintf(format, v...))
}
