// Package recurrence computes when a recurring job fires next.
//
// A Rule is daily, weekly, monthly or cron based and is evaluated in a fixed
// reference timezone (UTC unless configured). Next is pure: no clock reads,
// no I/O.
//
// Monthly rules whose day exceeds the month's length fire on the last day of
// that month (day 31 fires on Feb 29 in 2024, Feb 28 in 2023, Apr 30, ...).
package recurrence
