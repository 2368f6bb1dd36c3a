package recurrence

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spec is the serial form of a Rule used by config files, persistence and
// CLI flags.
//
// Examples:
//
//	{"frequency": "daily", "at": "00:00"}
//	{"frequency": "weekly", "weekday": "sunday", "at": "01:00"}
//	{"frequency": "monthly", "day_of_month": 1, "at": "01:00"}
//	{"frequency": "cron", "cron": "*/15 * * * *"}
//
// Timezone is an IANA name; empty falls back to the caller's default.
type Spec struct {
	Frequency  string `json:"frequency"`
	At         string `json:"at,omitempty"`
	Weekday    string `json:"weekday,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
	Cron       string `json:"cron,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// Rule builds the Rule described by s. defLoc applies when s.Timezone is
// empty; nil means UTC.
func (s Spec) Rule(defLoc *time.Location) (Rule, error) {
	freq, err := ParseFrequency(s.Frequency)
	if err != nil {
		return Rule{}, err
	}

	loc := defLoc
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Rule{}, &ValidationError{Field: "timezone", Msg: fmt.Sprintf("unknown timezone %q", tz), Err: err}
		}
		loc = l
	}
	opt := WithLocation(loc)

	if freq == Cron {
		if strings.TrimSpace(s.At) != "" || strings.TrimSpace(s.Weekday) != "" || s.DayOfMonth != 0 {
			return Rule{}, validationf("cron", "cron rules take no at/weekday/day_of_month")
		}
		return NewCron(s.Cron, opt)
	}
	if strings.TrimSpace(s.Cron) != "" {
		return Rule{}, validationf("cron", "cron is only valid with frequency cron")
	}

	hour, minute, err := ParseClock(s.At)
	if err != nil {
		return Rule{}, err
	}

	hasWeekday := strings.TrimSpace(s.Weekday) != ""
	hasDay := s.DayOfMonth != 0

	switch freq {
	case Daily:
		if hasWeekday || hasDay {
			return Rule{}, validationf("frequency", "daily rules take neither weekday nor day_of_month")
		}
		return NewDaily(hour, minute, opt)
	case Weekly:
		if hasDay {
			return Rule{}, validationf("day_of_month", "weekly rules take no day_of_month")
		}
		if !hasWeekday {
			return Rule{}, validationf("weekday", "weekly rules require a weekday")
		}
		wd, err := ParseWeekday(s.Weekday)
		if err != nil {
			return Rule{}, err
		}
		return NewWeekly(wd, hour, minute, opt)
	default:
		if hasWeekday {
			return Rule{}, validationf("weekday", "monthly rules take no weekday")
		}
		if !hasDay {
			return Rule{}, validationf("day_of_month", "monthly rules require day_of_month")
		}
		return NewMonthly(s.DayOfMonth, hour, minute, opt)
	}
}

// Spec returns the serial form of r.
func (r Rule) Spec() Spec {
	s := Spec{Frequency: r.freq.String()}
	switch r.freq {
	case Daily:
		s.At = r.clock()
	case Weekly:
		s.At = r.clock()
		s.Weekday = strings.ToLower(r.weekday.String())
	case Monthly:
		s.At = r.clock()
		s.DayOfMonth = r.day
	case Cron:
		s.Cron = r.expr
	}
	if loc := r.Location(); loc != time.UTC {
		s.Timezone = loc.String()
	}
	return s
}

// MarshalJSON encodes the rule as its Spec.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(r.Spec())
}

// UnmarshalJSON decodes a Spec. Rules without a timezone load as UTC.
func (r *Rule) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Rule{}
		return nil
	}
	var s Spec
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	rr, err := s.Rule(nil)
	if err != nil {
		return err
	}
	*r = rr
	return nil
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(v string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, validationf("at", "time of day must be HH:MM, got %q", v)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 {
		return 0, 0, validationf("at", "hour must be 0..23, got %d", hour)
	}
	if minute > 59 {
		return 0, 0, validationf("at", "minute must be 0..59, got %d", minute)
	}
	return hour, minute, nil
}

// ParseWeekday accepts English names ("sunday", "Sun") or numbers 0..6
// with Sunday=0.
func ParseWeekday(v string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, validationf("weekday", "weekday must be 0..6 (Sunday=0), got %d", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, validationf("weekday", "unknown weekday %q", v)
}
