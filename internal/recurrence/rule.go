package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency is the cadence family of a Rule.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	// Cron rules carry a 5-field cron expression instead of a time of day.
	Cron
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Cron:
		return "cron"
	default:
		return fmt.Sprintf("frequency(%d)", int(f))
	}
}

// ParseFrequency accepts the lowercase names produced by Frequency.String.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	case "cron":
		return Cron, nil
	default:
		return 0, validationf("frequency", "unknown frequency %q (use daily, weekly, monthly or cron)", s)
	}
}

// cronParser accepts standard 5-field specs and descriptors like "@daily".
// Seconds are not supported; the dispatcher works at minute granularity.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Rule is an immutable description of when a job recurs.
//
// The zero Rule is invalid; build one with NewDaily, NewWeekly, NewMonthly,
// NewCron or Spec.Rule.
type Rule struct {
	freq    Frequency
	hour    int
	minute  int
	weekday time.Weekday
	day     int

	expr  string
	sched *cron.SpecSchedule

	loc *time.Location
}

// Option tweaks rule construction.
type Option func(*Rule)

// WithLocation evaluates the rule in loc. A nil loc means UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Rule) { r.loc = loc }
}

func NewDaily(hour, minute int, opts ...Option) (Rule, error) {
	r := Rule{freq: Daily, hour: hour, minute: minute}
	return r.build(opts)
}

func NewWeekly(weekday time.Weekday, hour, minute int, opts ...Option) (Rule, error) {
	r := Rule{freq: Weekly, weekday: weekday, hour: hour, minute: minute}
	return r.build(opts)
}

// NewMonthly fires on day (1..31) of every month. Months shorter than day
// fire on their last day instead.
func NewMonthly(day, hour, minute int, opts ...Option) (Rule, error) {
	r := Rule{freq: Monthly, day: day, hour: hour, minute: minute}
	return r.build(opts)
}

// NewCron builds a rule from a cron expression such as "*/15 * * * *" or "@daily".
func NewCron(expr string, opts ...Option) (Rule, error) {
	r := Rule{freq: Cron, expr: strings.TrimSpace(expr)}
	return r.build(opts)
}

// MustDaily is NewDaily for static rules; it panics on invalid input.
func MustDaily(hour, minute int, opts ...Option) Rule {
	r, err := NewDaily(hour, minute, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) build(opts []Option) (Rule, error) {
	for _, o := range opts {
		if o != nil {
			o(&r)
		}
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if err := r.validate(); err != nil {
		return Rule{}, err
	}
	if r.freq == Cron {
		sched, err := parseCron(r.expr, r.loc)
		if err != nil {
			return Rule{}, err
		}
		r.sched = sched
	}
	return r, nil
}

func (r Rule) validate() error {
	switch r.freq {
	case Daily, Weekly, Monthly:
	case Cron:
		if r.expr == "" {
			return validationf("cron", "cron expression required")
		}
		return nil
	default:
		return validationf("frequency", "unknown frequency %d", int(r.freq))
	}
	if r.hour < 0 || r.hour > 23 {
		return validationf("hour", "hour must be 0..23, got %d", r.hour)
	}
	if r.minute < 0 || r.minute > 59 {
		return validationf("minute", "minute must be 0..59, got %d", r.minute)
	}
	if r.freq == Weekly && (r.weekday < time.Sunday || r.weekday > time.Saturday) {
		return validationf("weekday", "weekday must be 0..6 (Sunday=0), got %d", int(r.weekday))
	}
	if r.freq == Monthly && (r.day < 1 || r.day > 31) {
		return validationf("day_of_month", "day of month must be 1..31, got %d", r.day)
	}
	return nil
}

func parseCron(expr string, loc *time.Location) (*cron.SpecSchedule, error) {
	if strings.HasPrefix(expr, "@every") {
		return nil, validationf("cron", "interval descriptors are not supported: %q", expr)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, validationf("cron", "set the timezone on the rule, not in the expression: %q", expr)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, &ValidationError{Field: "cron", Msg: fmt.Sprintf("invalid cron expression %q", expr), Err: err}
	}
	spec, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, validationf("cron", "unsupported cron expression %q", expr)
	}
	spec.Location = loc
	// Expressions like "0 0 30 2 *" parse but never match.
	ref := time.Date(2000, time.January, 1, 0, 0, 0, 0, loc)
	if spec.Next(ref).IsZero() {
		return nil, validationf("cron", "cron expression %q never fires", expr)
	}
	return spec, nil
}

func (r Rule) Frequency() Frequency { return r.freq }
func (r Rule) Hour() int            { return r.hour }
func (r Rule) Minute() int          { return r.minute }
func (r Rule) Weekday() time.Weekday {
	return r.weekday
}
func (r Rule) DayOfMonth() int { return r.day }
func (r Rule) Expr() string    { return r.expr }

// Location returns the rule's reference timezone (UTC when unset).
func (r Rule) Location() *time.Location {
	if r.loc == nil {
		return time.UTC
	}
	return r.loc
}

// IsZero reports whether r was never built.
func (r Rule) IsZero() bool { return r.freq == 0 }

// Equal reports whether a and b describe the same recurrence.
func (r Rule) Equal(o Rule) bool {
	return r.freq == o.freq &&
		r.hour == o.hour &&
		r.minute == o.minute &&
		r.weekday == o.weekday &&
		r.day == o.day &&
		r.expr == o.expr &&
		r.Location().String() == o.Location().String()
}

// Next returns the smallest instant strictly after `after` that matches the
// rule, expressed in the rule's location. A time of day that a DST jump
// skips fires at the end of the gap. It returns the zero time for an
// unbuilt Rule.
func (r Rule) Next(after time.Time) time.Time {
	loc := r.Location()
	a := after.In(loc)

	switch r.freq {
	case Daily:
		for k := 0; ; k++ {
			if c := r.wallTime(a.Year(), a.Month(), a.Day()+k, loc); c.After(a) {
				return c
			}
		}

	case Weekly:
		days := (int(r.weekday) - int(a.Weekday()) + 7) % 7
		for k := days; ; k += 7 {
			if c := r.wallTime(a.Year(), a.Month(), a.Day()+k, loc); c.After(a) {
				return c
			}
		}

	case Monthly:
		for k := 0; ; k++ {
			// Day 1 keeps time.Date from spilling into the following month.
			first := time.Date(a.Year(), a.Month()+time.Month(k), 1, 0, 0, 0, 0, loc)
			d := r.day
			if n := daysIn(first.Year(), first.Month()); d > n {
				d = n
			}
			if c := r.wallTime(first.Year(), first.Month(), d, loc); c.After(a) {
				return c
			}
		}

	case Cron:
		if r.sched == nil {
			return time.Time{}
		}
		return r.sched.Next(a)
	}
	return time.Time{}
}

// wallTime returns the rule's time of day on the given date in loc. A time
// of day skipped by a DST jump resolves to the first instant after the gap.
func (r Rule) wallTime(year int, month time.Month, day int, loc *time.Location) time.Time {
	c := time.Date(year, month, day, r.hour, r.minute, 0, 0, loc)
	if c.Hour() == r.hour && c.Minute() == r.minute {
		return c
	}
	want := time.Date(year, month, day, r.hour, r.minute, 0, 0, time.UTC)
	got := time.Date(c.Year(), c.Month(), c.Day(), c.Hour(), c.Minute(), 0, 0, time.UTC)
	start, end := c.ZoneBounds()
	if got.Before(want) {
		// Normalized back into the zone before the gap.
		if !end.IsZero() {
			return end.In(loc)
		}
		return c
	}
	// Normalized forward into the zone after the gap.
	if !start.IsZero() {
		return start.In(loc)
	}
	return c
}

// Upcoming returns the next n fire times after `after`, in order.
func (r Rule) Upcoming(after time.Time, n int) []time.Time {
	if n <= 0 || r.IsZero() {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		t = r.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// String renders an English description, e.g. "every Sunday at 01:00".
func (r Rule) String() string {
	var s string
	switch r.freq {
	case Daily:
		s = fmt.Sprintf("every day at %s", r.clock())
	case Weekly:
		s = fmt.Sprintf("every %s at %s", r.weekday, r.clock())
	case Monthly:
		s = fmt.Sprintf("on day %d of every month at %s", r.day, r.clock())
	case Cron:
		s = fmt.Sprintf("cron %q", r.expr)
	default:
		return "invalid rule"
	}
	if loc := r.Location(); loc != time.UTC {
		s += " (" + loc.String() + ")"
	}
	return s
}

func (r Rule) clock() string { return fmt.Sprintf("%02d:%02d", r.hour, r.minute) }

// CronSpec returns an equivalent 5-field cron expression. ok is false for
// monthly rules past day 28, whose month-end clamp has no cron form.
func (r Rule) CronSpec() (spec string, ok bool) {
	switch r.freq {
	case Daily:
		return fmt.Sprintf("%d %d * * *", r.minute, r.hour), true
	case Weekly:
		return fmt.Sprintf("%d %d * * %d", r.minute, r.hour, int(r.weekday)), true
	case Monthly:
		return fmt.Sprintf("%d %d %d * *", r.minute, r.hour, r.day), r.day <= 28
	case Cron:
		return r.expr, true
	}
	return "", false
}
