// Package logx is entropy's structured logging layer over zerolog.
//
// Loggers are values handed to each engine and plugin explicitly; nothing here
// mutates zerolog's package-level state. A Service owns the sinks of one
// process (console, JSON file, journald) and can swap them at runtime while
// every Logger derived from it keeps writing to the current set.
package logx
