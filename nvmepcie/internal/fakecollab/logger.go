// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fakecollab

import "fmt"

// Logger is a Logger that records formatted messages instead of printing
// them, so tests can assert on print-on-error behavior.
type Logger struct {
	Errors []string
	Warns  []string
}

func (l *Logger) Errorf(format string, args ...any) {
	l.Errors = append(l.Errors, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.Warns = append(l.Warns, fmt.Sprintf(format, args...))
}
