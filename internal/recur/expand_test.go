package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"cadence/internal/civil"
)

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func at(d civil.Date, hh, mm int) civil.DateTime {
	return civil.DateTime{Date: d, Time: civil.Time{Hour: hh, Minute: mm}}
}

func mustParse(t *testing.T, s string) Rule {
	t.Helper()
	r, err := Parse(s)
	require.NoError(t, err)
	return r
}

func dates(occs []civil.DateTime) []civil.Date {
	res := make([]civil.Date, len(occs))
	for i, o := range occs {
		res[i] = o.Date
	}
	return res
}

func TestExpandDailyCount(t *testing.T) {
	today := day(2024, time.May, 20)
	anchor := at(today, 10, 0)
	got := Expander{}.Expand(mustParse(t, "FREQ=DAILY;COUNT=5"), anchor, at(today, 0, 0), at(today.AddDays(365), 0, 0))
	require.Len(t, got, 5)
	for i, occ := range got {
		assert.Equal(t, at(today.AddDays(i), 10, 0), occ)
	}
}

func TestExpandWeeklyByDayTwoWeeks(t *testing.T) {
	monday := day(2024, time.January, 1)
	got := Expander{}.Expand(mustParse(t, "FREQ=WEEKLY;BYDAY=MO,WE,FR"), at(monday, 7, 0), at(monday, 0, 0), at(monday.AddDays(13), 23, 59))
	require.Len(t, got, 6)
	for _, occ := range got {
		assert.Contains(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, occ.Date.Weekday())
	}
	assert.Equal(t, []civil.Date{
		day(2024, time.January, 1), day(2024, time.January, 3), day(2024, time.January, 5),
		day(2024, time.January, 8), day(2024, time.January, 10), day(2024, time.January, 12),
	}, dates(got))
}

func TestExpandUntilIsExclusive(t *testing.T) {
	anchor := at(day(2024, time.January, 1), 7, 0)
	window := at(day(2024, time.December, 31), 0, 0)

	got := Expander{}.Expand(mustParse(t, "FREQ=DAILY;UNTIL=20240105T070000"), anchor, anchor, window)
	assert.Equal(t, []civil.Date{
		day(2024, time.January, 1), day(2024, time.January, 2), day(2024, time.January, 3), day(2024, time.January, 4),
	}, dates(got))

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// 15:00Z is 07:00 Pacific standard time.
	got = Expander{Location: la}.Expand(mustParse(t, "FREQ=DAILY;UNTIL=20240105T150000Z"), anchor, anchor, window)
	assert.Len(t, got, 4)

	got = Expander{Location: la}.Expand(mustParse(t, "FREQ=DAILY;UNTIL=20240105T150001Z"), anchor, anchor, window)
	assert.Len(t, got, 5)
}

func TestExpandCountExhaustedBeforeWindow(t *testing.T) {
	anchor := at(day(2024, time.January, 1), 9, 0)
	got := Expander{}.Expand(mustParse(t, "FREQ=DAILY;COUNT=3"), anchor, at(day(2024, time.February, 1), 0, 0), at(day(2024, time.March, 1), 0, 0))
	assert.Empty(t, got)

	// count is measured from the anchor, not from the window
	got = Expander{}.Expand(mustParse(t, "FREQ=DAILY;COUNT=3"), anchor, at(day(2024, time.January, 2), 0, 0), at(day(2024, time.March, 1), 0, 0))
	assert.Equal(t, []civil.Date{day(2024, time.January, 2), day(2024, time.January, 3)}, dates(got))
}

func TestExpandAnchorAfterWindow(t *testing.T) {
	anchor := at(day(2025, time.January, 1), 9, 0)
	got := Expander{}.Expand(mustParse(t, "FREQ=DAILY"), anchor, at(day(2024, time.January, 1), 0, 0), at(day(2024, time.December, 31), 23, 0))
	assert.Empty(t, got)
}

func TestExpandWindowBoundsInclusive(t *testing.T) {
	anchor := at(day(2024, time.January, 1), 9, 0)
	got := Expander{}.Expand(mustParse(t, "FREQ=DAILY"), anchor, at(day(2024, time.January, 3), 9, 0), at(day(2024, time.January, 5), 9, 0))
	assert.Equal(t, []civil.Date{day(2024, time.January, 3), day(2024, time.January, 4), day(2024, time.January, 5)}, dates(got))
}

func TestExpandAnchorOffRule(t *testing.T) {
	wednesday := day(2024, time.January, 3)
	got := Expander{}.Expand(mustParse(t, "FREQ=WEEKLY;BYDAY=MO;COUNT=2"), at(wednesday, 8, 0), at(wednesday, 0, 0), at(wednesday.AddDays(60), 0, 0))
	assert.Equal(t, []civil.Date{day(2024, time.January, 8), day(2024, time.January, 15)}, dates(got))
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	anchor := at(day(2024, time.January, 31), 12, 0)
	got := Expander{}.Expand(mustParse(t, "FREQ=MONTHLY;COUNT=4"), anchor, anchor, at(day(2025, time.January, 1), 0, 0))
	assert.Equal(t, []civil.Date{
		day(2024, time.January, 31), day(2024, time.March, 31), day(2024, time.May, 31), day(2024, time.July, 31),
	}, dates(got))
}

func TestExpandStopsWhenConsumerStops(t *testing.T) {
	anchor := at(day(2024, time.January, 1), 6, 30)
	var seen []civil.DateTime
	for occ := range (Expander{}).All(mustParse(t, "FREQ=DAILY"), anchor, anchor, at(day(2030, time.January, 1), 0, 0)) {
		seen = append(seen, occ)
		if len(seen) == 3 {
			break
		}
	}
	assert.Len(t, seen, 3)
}

func TestExpandAnchorStability(t *testing.T) {
	rules := []string{
		"FREQ=DAILY;INTERVAL=3",
		"FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH",
		"FREQ=MONTHLY;INTERVAL=5;BYDAY=-1FR",
		"FREQ=YEARLY;BYMONTH=3,9;BYMONTHDAY=15",
	}
	anchor := at(day(2023, time.February, 7), 18, 0)
	fullFrom, fullTo := at(day(2023, time.January, 1), 0, 0), at(day(2027, time.January, 1), 0, 0)
	for _, text := range rules {
		r := mustParse(t, text)
		full := Expander{}.Expand(r, anchor, fullFrom, fullTo)
		require.NotEmpty(t, full, text)
		for offset := 0; offset < 1200; offset += 37 {
			from := at(fullFrom.Date.AddDays(offset), 0, 0)
			to := at(from.Date.AddDays(90), 23, 59)
			var want []civil.DateTime
			for _, occ := range full {
				if !occ.Before(from) && !occ.After(to) {
					want = append(want, occ)
				}
			}
			assert.Equal(t, want, Expander{}.Expand(r, anchor, from, to), "%s from %s", text, from)
		}
	}
}

// rrule-go shares our semantics for rules without UNTIL (its UNTIL is
// inclusive), so it serves as an independent oracle.
func TestExpandMatchesRRuleOracle(t *testing.T) {
	rules := []string{
		"FREQ=DAILY;INTERVAL=3",
		"FREQ=DAILY;BYDAY=SA,SU;COUNT=10",
		"FREQ=WEEKLY;BYDAY=MO,WE,FR",
		"FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,SU;WKST=SU",
		"FREQ=WEEKLY;INTERVAL=3;COUNT=12",
		"FREQ=MONTHLY;BYDAY=-1FR",
		"FREQ=MONTHLY;BYMONTHDAY=31",
		"FREQ=MONTHLY;BYMONTHDAY=1,-1",
		"FREQ=MONTHLY;INTERVAL=2;BYDAY=2TU,4TH",
		"FREQ=MONTHLY;COUNT=7",
		"FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=29",
		"FREQ=YEARLY;BYMONTH=1,7",
		"FREQ=YEARLY",
	}
	anchor := at(day(2023, time.January, 31), 9, 30)
	from := at(day(2023, time.June, 10), 0, 0)
	to := at(day(2028, time.June, 10), 0, 0)
	for _, text := range rules {
		t.Run(text, func(t *testing.T) {
			opt, err := rrule.StrToROption(text)
			require.NoError(t, err)
			opt.Dtstart = anchor.In(time.UTC)
			oracle, err := rrule.NewRRule(*opt)
			require.NoError(t, err)
			var want []civil.DateTime
			for _, occ := range oracle.Between(from.In(time.UTC), to.In(time.UTC), true) {
				want = append(want, civil.DateTimeOf(occ))
			}
			got := Expander{}.Expand(mustParse(t, text), anchor, from, to)
			assert.Equal(t, want, got)
		})
	}
}
