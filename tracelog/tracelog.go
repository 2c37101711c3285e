/*
	Copyright 2023 Google Inc.
	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at
		https://www.apache.org/licenses/LICENSE-2.0
	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package tracelog provides a simple wrapper around Go's core 'log' library,
// setting some default verbose options and adding the few explicit severity
// levels that spantree.Builder's logger contract requires.
//
// This package is not meant to be a general-purpose logging facility; it is
// deliberately thin, in the same spirit as the logviz server's own logger
// package, which wraps 'log' rather than reaching for a structured logging
// library for a handful of severity-tagged lines.
package tracelog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the severity-leveled sink a spantree.Builder writes its
// diagnostic messages to. FINE-level messages are the only ones the builder
// itself emits; Infof and Fatalf are provided so callers (the registry and
// cmd/spantreebuild) can use the same logger for their own, coarser-grained
// messages.
type Logger interface {
	// Finef logs a fine-grained diagnostic message: the level spantree.Builder
	// uses for the degrade-and-continue conditions spec.md §7 calls
	// DataQuality errors.
	Finef(format string, args ...any)
	// Infof logs an informational message.
	Infof(format string, args ...any)
	// Fatalf logs a message and terminates the process, mirroring log.Fatalf.
	Fatalf(format string, args ...any)
}

// flags matches logviz/logger's verbose default: date, time, microsecond
// precision, and full file path plus line number on every line.
const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Llongfile

// StdLogger is a Logger backed by three *log.Logger instances, one per
// severity, each writing to the same io.Writer.
type StdLogger struct {
	fine *log.Logger
	info *log.Logger
	fata *log.Logger
}

// New returns a StdLogger writing all severities to w.
func New(w io.Writer) *StdLogger {
	return &StdLogger{
		fine: log.New(w, "F", flags),
		info: log.New(w, "I", flags),
		fata: log.New(w, "E", flags),
	}
}

var defaultLogger = New(os.Stderr)

// Default returns the package's shared, stderr-backed StdLogger.
func Default() *StdLogger {
	return defaultLogger
}

// Finef implements Logger.
func (l *StdLogger) Finef(format string, args ...any) {
	l.fine.Output(2, fmt.Sprintf(format, args...))
}

// Infof implements Logger.
func (l *StdLogger) Infof(format string, args ...any) {
	l.info.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements Logger.
func (l *StdLogger) Fatalf(format string, args ...any) {
	l.fata.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// NopLogger discards every message. spantree.New substitutes a NopLogger for
// callers that pass a nil Logger, so builder construction never requires
// wiring one up just to satisfy the interface.
type NopLogger struct{}

// Finef implements Logger.
func (NopLogger) Finef(string, ...any) {}

// Infof implements Logger.
func (NopLogger) Infof(string, ...any) {}

// Fatalf implements Logger. Unlike StdLogger.Fatalf it discards the message
// and does not terminate the process.
func (NopLogger) Fatalf(string, ...any) {}

// HexID renders id, a string of hex digits, with leading zeros out to 16
// characters (if it fits in 64 bits, i.e. is already 16 characters or
// fewer) or 32 characters otherwise, matching the padding spec.md §6
// mandates for the builder's FINE log lines.
func HexID(id string) string {
	width := 16
	if len(id) > 16 {
		width = 32
	}
	if len(id) >= width {
		return id
	}
	return fmt.Sprintf("%0*s", width, id)
}
