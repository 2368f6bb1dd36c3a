// Package executor runs the job attached to a schedule.
//
// The dispatcher only sees the Executor interface; Mux routes a JobSpec to
// a concrete executor by its Kind.
package executor
