// Package recur parses recurrence rules and expands them into civil
// date-times.
//
// The accepted grammar is the RRULE subset used by schedule activities:
//
//	FREQ=DAILY|WEEKLY|MONTHLY|YEARLY   (required)
//	INTERVAL=n
//	BYDAY=[+-n]MO,...                  (ordinals only with MONTHLY/YEARLY)
//	BYMONTHDAY=[-]n,...
//	BYMONTH=n,...
//	WKST=MO
//	COUNT=n | UNTIL=YYYYMMDD[THHMMSS[Z]]
//
// Rules carry no zone. A UNTIL ending in Z is pinned to UTC and is moved into
// the expander's location before comparison; any other UNTIL is civil time.
package recur

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"

	"cadence/internal/civil"
)

// ErrMalformedRule matches every MalformedRuleError via errors.Is.
var ErrMalformedRule = errors.New("malformed recurrence rule")

// MalformedRuleError identifies the token that could not be parsed.
type MalformedRuleError struct {
	Token  string
	Reason string
}

func (e MalformedRuleError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("malformed recurrence rule: %s", e.Reason)
	}
	return fmt.Sprintf("malformed recurrence rule at %q: %s", e.Token, e.Reason)
}

func (e MalformedRuleError) Is(target error) bool {
	return target == ErrMalformedRule
}

func malformed(token, reason string, args ...any) error {
	return MalformedRuleError{Token: token, Reason: fmt.Sprintf(reason, args...)}
}

type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

var frequencyNames = map[Frequency]string{
	Daily:   "DAILY",
	Weekly:  "WEEKLY",
	Monthly: "MONTHLY",
	Yearly:  "YEARLY",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Frequency(%d)", int(f))
}

var weekdayCodes = []string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func weekdayCode(d time.Weekday) string { return weekdayCodes[d] }

func parseWeekday(code string) (time.Weekday, bool) {
	i := slices.Index(weekdayCodes, code)
	return time.Weekday(i), i >= 0
}

// WeekdayNum is a BYDAY entry. N is zero for "every such weekday", otherwise
// the 1-based position inside the period, negative counting from the end.
type WeekdayNum struct {
	Weekday time.Weekday
	N       int
}

func (w WeekdayNum) String() string {
	if w.N == 0 {
		return weekdayCode(w.Weekday)
	}
	return strconv.Itoa(w.N) + weekdayCode(w.Weekday)
}

// Until is the exclusive end bound of a rule.
type Until struct {
	Local civil.DateTime
	UTC   bool
}

func (u Until) String() string {
	d, t := u.Local.Date, u.Local.Time
	date := fmt.Sprintf("%04d%02d%02d", d.Year, d.Month, d.Day)
	if u.UTC {
		return fmt.Sprintf("%sT%02d%02d%02dZ", date, t.Hour, t.Minute, t.Second)
	}
	if t == (civil.Time{}) {
		return date
	}
	return fmt.Sprintf("%sT%02d%02d%02d", date, t.Hour, t.Minute, t.Second)
}

// in returns the bound as civil time in loc.
func (u Until) in(loc *time.Location) civil.DateTime {
	if !u.UTC {
		return u.Local
	}
	return civil.DateTimeOf(u.Local.In(time.UTC).In(loc))
}

// Rule is a parsed recurrence rule. Build one with Parse.
type Rule struct {
	Freq       Frequency
	Interval   int
	ByDay      []WeekdayNum
	ByMonthDay []int
	ByMonth    []time.Month
	WeekStart  time.Weekday
	Count      mo.Option[int]
	Until      mo.Option[Until]
}

// Bounded reports whether the rule ends on its own.
func (r Rule) Bounded() bool {
	return r.Count.IsPresent() || r.Until.IsPresent()
}

// String returns the canonical text form; Parse(r.String()) equals r.
func (r Rule) String() string {
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		days := make([]string, len(r.ByMonthDay))
		for i, d := range r.ByMonthDay {
			days[i] = strconv.Itoa(d)
		}
		parts = append(parts, "BYMONTHDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonth) > 0 {
		months := make([]string, len(r.ByMonth))
		for i, m := range r.ByMonth {
			months[i] = strconv.Itoa(int(m))
		}
		parts = append(parts, "BYMONTH="+strings.Join(months, ","))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayCode(r.WeekStart))
	}
	if n, ok := r.Count.Get(); ok {
		parts = append(parts, "COUNT="+strconv.Itoa(n))
	}
	if u, ok := r.Until.Get(); ok {
		parts = append(parts, "UNTIL="+u.String())
	}
	return strings.Join(parts, ";")
}

// Parse reads a rule from its text form. An optional "RRULE:" prefix is
// accepted and keys are case-insensitive.
func Parse(text string) (Rule, error) {
	body := strings.TrimSpace(text)
	if len(body) >= 6 && strings.EqualFold(body[:6], "RRULE:") {
		body = body[6:]
	}
	if body == "" {
		return Rule{}, malformed("", "empty rule")
	}
	r := Rule{Interval: 1, WeekStart: time.Monday}
	seen := map[string]bool{}
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, malformed(part, "expected KEY=VALUE")
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if value == "" {
			return Rule{}, malformed(part, "empty value")
		}
		if seen[key] {
			return Rule{}, malformed(part, "duplicate %s", key)
		}
		seen[key] = true
		var err error
		switch key {
		case "FREQ":
			r.Freq, err = parseFrequency(part, value)
		case "INTERVAL":
			r.Interval, err = parsePositive(part, value)
		case "COUNT":
			var n int
			n, err = parsePositive(part, value)
			r.Count = mo.Some(n)
		case "UNTIL":
			var u Until
			u, err = parseUntil(part, value)
			r.Until = mo.Some(u)
		case "BYDAY":
			r.ByDay, err = parseByDay(value)
		case "BYMONTHDAY":
			r.ByMonthDay, err = parseIntList(part, value, -31, 31)
		case "BYMONTH":
			var months []int
			months, err = parseIntList(part, value, 1, 12)
			for _, m := range months {
				r.ByMonth = append(r.ByMonth, time.Month(m))
			}
		case "WKST":
			wd, ok := parseWeekday(value)
			if !ok {
				err = malformed(part, "unknown weekday %s", value)
			}
			r.WeekStart = wd
		default:
			err = malformed(part, "unsupported key %s", key)
		}
		if err != nil {
			return Rule{}, err
		}
	}
	if r.Freq == 0 {
		return Rule{}, malformed(body, "FREQ is required")
	}
	if r.Count.IsPresent() && r.Until.IsPresent() {
		return Rule{}, malformed("UNTIL", "COUNT and UNTIL are mutually exclusive")
	}
	for _, d := range r.ByDay {
		if d.N != 0 && (r.Freq == Daily || r.Freq == Weekly) {
			return Rule{}, malformed(d.String(), "ordinal BYDAY requires MONTHLY or YEARLY")
		}
	}
	if len(r.ByMonthDay) > 0 && r.Freq == Weekly {
		return Rule{}, malformed("BYMONTHDAY", "not allowed with WEEKLY")
	}
	return r, nil
}

func parseFrequency(token, value string) (Frequency, error) {
	for f, name := range frequencyNames {
		if name == value {
			return f, nil
		}
	}
	return 0, malformed(token, "unknown frequency %s", value)
}

func parsePositive(token, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, malformed(token, "expected a positive integer")
	}
	return n, nil
}

func parseUntil(token, value string) (Until, error) {
	layouts := []struct {
		layout string
		utc    bool
	}{
		{"20060102", false},
		{"20060102T150405", false},
		{"20060102T150405Z", true},
	}
	for _, l := range layouts {
		if len(value) != len(l.layout) {
			continue
		}
		t, err := time.Parse(l.layout, value)
		if err != nil {
			break
		}
		return Until{Local: civil.DateTimeOf(t), UTC: l.utc}, nil
	}
	return Until{}, malformed(token, "invalid UNTIL %s", value)
}

func parseByDay(value string) ([]WeekdayNum, error) {
	var res []WeekdayNum
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if len(item) < 2 {
			return nil, malformed(item, "invalid BYDAY entry")
		}
		code := item[len(item)-2:]
		wd, ok := parseWeekday(code)
		if !ok {
			return nil, malformed(item, "unknown weekday %s", code)
		}
		entry := WeekdayNum{Weekday: wd}
		if prefix := item[:len(item)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n < -53 || n > 53 {
				return nil, malformed(item, "invalid ordinal %s", prefix)
			}
			entry.N = n
		}
		if slices.Contains(res, entry) {
			return nil, malformed(item, "duplicate BYDAY entry")
		}
		res = append(res, entry)
	}
	return res, nil
}

func parseIntList(token, value string, lo, hi int) ([]int, error) {
	var res []int
	for _, item := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || n == 0 || n < lo || n > hi {
			return nil, malformed(token, "value %s out of range", item)
		}
		if !slices.Contains(res, n) {
			res = append(res, n)
		}
	}
	return res, nil
}
