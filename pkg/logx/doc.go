// Package logx is recurd's structured logging on top of zerolog.
//
// Sinks: a console writer (human or JSON), a JSON-lines file and
// systemd-journald. Level and sinks can be swapped at runtime through
// Service.Apply.
package logx
