// Package scheduler drives schedules: a single polling loop claims due
// schedules from the store, hands them to the task engine and records the
// outcome.
//
// Each tick is one logical "select due + claim" step, so a schedule is never
// fired twice for the same due instant and never runs concurrently with
// itself. Failed runs still advance NextRun; missed occurrences are skipped,
// not replayed.
package scheduler
