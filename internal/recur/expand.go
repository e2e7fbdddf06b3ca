package recur

import (
	"iter"
	"slices"
	"time"

	"cadence/internal/civil"
)

// Expander enumerates the occurrences of a rule. Location is only consulted
// to move a UTC UNTIL into civil time; nil means UTC.
type Expander struct {
	Location *time.Location
}

// Expand collects All into a slice.
func (x Expander) Expand(r Rule, anchor, from, to civil.DateTime) []civil.DateTime {
	var res []civil.DateTime
	for occ := range x.All(r, anchor, from, to) {
		res = append(res, occ)
	}
	return res
}

// All yields, in increasing order, the occurrences of r inside [from, to].
//
// The period grid starts at anchor: anchor's day, its WKST-aligned week, its
// month or its year, stepping by the rule interval. Every occurrence carries
// anchor's time of day and none precedes anchor. COUNT is counted from
// anchor whatever the window; UNTIL excludes occurrences at or after it.
func (x Expander) All(r Rule, anchor, from, to civil.DateTime) iter.Seq[civil.DateTime] {
	return func(yield func(civil.DateTime) bool) {
		if anchor.After(to) || from.After(to) {
			return
		}
		loc := x.Location
		if loc == nil {
			loc = time.UTC
		}
		interval := max(r.Interval, 1)
		g := newGrid(r, anchor.Date)

		limit, counted := r.Count.Get()
		var until civil.DateTime
		u, bounded := r.Until.Get()
		if bounded {
			until = u.in(loc)
		}

		start := 0
		if !counted {
			if k := g.index(from.Date); k > 0 {
				start = k / interval * interval
			}
		}

		emitted := 0
		for p := start; ; p += interval {
			first := g.periodStart(p)
			if first.After(to.Date) || (bounded && first.After(until.Date)) {
				return
			}
			for _, d := range g.candidates(p) {
				occ := civil.DateTime{Date: d, Time: anchor.Time}
				if occ.Before(anchor) {
					continue
				}
				if bounded && !occ.Before(until) {
					return
				}
				if counted && emitted >= limit {
					return
				}
				if occ.After(to) {
					return
				}
				emitted++
				if occ.Before(from) {
					continue
				}
				if !yield(occ) {
					return
				}
			}
		}
	}
}

// grid knows the period layout of one rule around one anchor date.
type grid struct {
	rule      Rule
	anchor    civil.Date
	weekStart civil.Date
}

func newGrid(r Rule, anchor civil.Date) grid {
	return grid{rule: r, anchor: anchor, weekStart: alignWeek(anchor, r.WeekStart)}
}

func alignWeek(d civil.Date, wkst time.Weekday) civil.Date {
	back := (int(d.Weekday()) - int(wkst) + 7) % 7
	return d.AddDays(-back)
}

// index returns the period number that contains d.
func (g grid) index(d civil.Date) int {
	switch g.rule.Freq {
	case Daily:
		return d.DaysSince(g.anchor)
	case Weekly:
		return alignWeek(d, g.rule.WeekStart).DaysSince(g.weekStart) / 7
	case Monthly:
		return (d.Year-g.anchor.Year)*12 + int(d.Month) - int(g.anchor.Month)
	case Yearly:
		return d.Year - g.anchor.Year
	default:
		panic("recur: unknown frequency " + g.rule.Freq.String())
	}
}

// periodStart returns the first civil date of period p.
func (g grid) periodStart(p int) civil.Date {
	switch g.rule.Freq {
	case Daily:
		return g.anchor.AddDays(p)
	case Weekly:
		return g.weekStart.AddDays(7 * p)
	case Monthly:
		return civil.Date{Year: g.anchor.Year, Month: g.anchor.Month, Day: 1}.AddMonths(p)
	case Yearly:
		return civil.Date{Year: g.anchor.Year + p, Month: time.January, Day: 1}
	default:
		panic("recur: unknown frequency " + g.rule.Freq.String())
	}
}

// candidates returns the sorted on-rule dates of period p.
func (g grid) candidates(p int) []civil.Date {
	r := g.rule
	start := g.periodStart(p)
	var days []civil.Date
	switch r.Freq {
	case Daily:
		if g.keepMonth(start) && g.keepMonthDay(start) && g.keepWeekday(start) {
			days = append(days, start)
		}
	case Weekly:
		weekdays := []time.Weekday{g.anchor.Weekday()}
		if len(r.ByDay) > 0 {
			weekdays = weekdays[:0]
			for _, wd := range r.ByDay {
				weekdays = append(weekdays, wd.Weekday)
			}
		}
		for _, wd := range weekdays {
			d := start.AddDays((int(wd) - int(r.WeekStart) + 7) % 7)
			if g.keepMonth(d) {
				days = append(days, d)
			}
		}
	case Monthly:
		if g.keepMonth(start) {
			days = g.monthDays(start)
		}
	case Yearly:
		days = g.yearDays(start.Year)
	default:
		panic("recur: unknown frequency " + r.Freq.String())
	}
	slices.SortFunc(days, civil.Date.Compare)
	return slices.Compact(days)
}

func (g grid) monthDays(first civil.Date) []civil.Date {
	r := g.rule
	switch {
	case len(r.ByDay) == 0 && len(r.ByMonthDay) == 0:
		d := civil.Date{Year: first.Year, Month: first.Month, Day: g.anchor.Day}
		if d.IsValid() {
			return []civil.Date{d}
		}
		return nil
	case len(r.ByDay) == 0:
		return resolveMonthDays(first, r.ByMonthDay)
	default:
		days := weekdaysIn(first, first.DaysInMonth(), r.ByDay)
		if len(r.ByMonthDay) > 0 {
			allowed := resolveMonthDays(first, r.ByMonthDay)
			days = slices.DeleteFunc(days, func(d civil.Date) bool { return !slices.Contains(allowed, d) })
		}
		return days
	}
}

func (g grid) yearDays(year int) []civil.Date {
	r := g.rule
	jan1 := civil.Date{Year: year, Month: time.January, Day: 1}
	if len(r.ByDay) > 0 && len(r.ByMonth) == 0 {
		// BYDAY without BYMONTH ranges over the whole year.
		yearLen := civil.Date{Year: year + 1, Month: time.January, Day: 1}.DaysSince(jan1)
		days := weekdaysIn(jan1, yearLen, r.ByDay)
		if len(r.ByMonthDay) > 0 {
			days = slices.DeleteFunc(days, func(d civil.Date) bool {
				first := civil.Date{Year: d.Year, Month: d.Month, Day: 1}
				return !slices.Contains(resolveMonthDays(first, r.ByMonthDay), d)
			})
		}
		return days
	}
	months := r.ByMonth
	if len(months) == 0 {
		if len(r.ByMonthDay) == 0 {
			months = []time.Month{g.anchor.Month}
		} else {
			months = allMonths
		}
	}
	var days []civil.Date
	for _, m := range months {
		first := civil.Date{Year: year, Month: m, Day: 1}
		days = append(days, g.monthDays(first)...)
	}
	return days
}

var allMonths = []time.Month{
	time.January, time.February, time.March, time.April, time.May, time.June,
	time.July, time.August, time.September, time.October, time.November, time.December,
}

func (g grid) keepMonth(d civil.Date) bool {
	return len(g.rule.ByMonth) == 0 || slices.Contains(g.rule.ByMonth, d.Month)
}

func (g grid) keepMonthDay(d civil.Date) bool {
	if len(g.rule.ByMonthDay) == 0 {
		return true
	}
	first := civil.Date{Year: d.Year, Month: d.Month, Day: 1}
	return slices.Contains(resolveMonthDays(first, g.rule.ByMonthDay), d)
}

func (g grid) keepWeekday(d civil.Date) bool {
	if len(g.rule.ByDay) == 0 {
		return true
	}
	return slices.ContainsFunc(g.rule.ByDay, func(w WeekdayNum) bool { return w.Weekday == d.Weekday() })
}

// resolveMonthDays maps BYMONTHDAY values onto the month starting at first,
// dropping days the month does not have.
func resolveMonthDays(first civil.Date, monthDays []int) []civil.Date {
	n := first.DaysInMonth()
	var res []civil.Date
	for _, md := range monthDays {
		day := md
		if md < 0 {
			day = n + 1 + md
		}
		if day >= 1 && day <= n {
			res = append(res, civil.Date{Year: first.Year, Month: first.Month, Day: day})
		}
	}
	return res
}

// weekdaysIn applies BYDAY entries to the span of length days starting at
// first. Ordinals count inside the span.
func weekdaysIn(first civil.Date, length int, byDay []WeekdayNum) []civil.Date {
	var res []civil.Date
	for _, w := range byDay {
		offset := (int(w.Weekday) - int(first.Weekday()) + 7) % 7
		var all []civil.Date
		for i := offset; i < length; i += 7 {
			all = append(all, first.AddDays(i))
		}
		switch {
		case w.N == 0:
			res = append(res, all...)
		case w.N > 0 && w.N <= len(all):
			res = append(res, all[w.N-1])
		case w.N < 0 && -w.N <= len(all):
			res = append(res, all[len(all)+w.N])
		}
	}
	return res
}
