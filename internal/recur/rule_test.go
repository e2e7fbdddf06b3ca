package recur

import (
	"errors"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/civil"
)

func TestParseValidRules(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Rule
	}{
		{
			name: "daily with count",
			in:   "FREQ=DAILY;COUNT=5",
			want: Rule{Freq: Daily, Interval: 1, WeekStart: time.Monday, Count: mo.Some(5)},
		},
		{
			name: "weekly by day with prefix and lower case",
			in:   "RRULE:freq=weekly;byday=mo,we,fr",
			want: Rule{
				Freq: Weekly, Interval: 1, WeekStart: time.Monday,
				ByDay: []WeekdayNum{{Weekday: time.Monday}, {Weekday: time.Wednesday}, {Weekday: time.Friday}},
			},
		},
		{
			name: "monthly last friday every other month",
			in:   "FREQ=MONTHLY;INTERVAL=2;BYDAY=-1FR",
			want: Rule{Freq: Monthly, Interval: 2, WeekStart: time.Monday, ByDay: []WeekdayNum{{Weekday: time.Friday, N: -1}}},
		},
		{
			name: "floating until",
			in:   "FREQ=DAILY;UNTIL=20240105T070000",
			want: Rule{
				Freq: Daily, Interval: 1, WeekStart: time.Monday,
				Until: mo.Some(Until{Local: civil.DateTime{Date: civil.Date{Year: 2024, Month: time.January, Day: 5}, Time: civil.Time{Hour: 7}}}),
			},
		},
		{
			name: "utc until and week start",
			in:   "FREQ=WEEKLY;WKST=SU;UNTIL=20240105T150000Z",
			want: Rule{
				Freq: Weekly, Interval: 1, WeekStart: time.Sunday,
				Until: mo.Some(Until{Local: civil.DateTime{Date: civil.Date{Year: 2024, Month: time.January, Day: 5}, Time: civil.Time{Hour: 15}}, UTC: true}),
			},
		},
		{
			name: "yearly by month and month day",
			in:   "FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=29;",
			want: Rule{Freq: Yearly, Interval: 1, WeekStart: time.Monday, ByMonth: []time.Month{time.February}, ByMonthDay: []int{29}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestCanonicalString(t *testing.T) {
	r, err := Parse("byday=+2TU,th;freq=monthly;interval=1;until=20241231")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=MONTHLY;BYDAY=2TU,TH;UNTIL=20241231", r.String())
	assert.True(t, r.Bounded())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		in    string
		token string
	}{
		{"", ""},
		{"COUNT=3", "COUNT=3"},
		{"FREQ=HOURLY", "FREQ=HOURLY"},
		{"FREQ=DAILY;COUNT=0", "COUNT=0"},
		{"FREQ=DAILY;COUNT=two", "COUNT=two"},
		{"FREQ=DAILY;INTERVAL=-1", "INTERVAL=-1"},
		{"FREQ=DAILY;COUNT=3;UNTIL=20240101", "UNTIL"},
		{"FREQ=WEEKLY;BYDAY=MO,XX", "XX"},
		{"FREQ=WEEKLY;BYDAY=1MO", "1MO"},
		{"FREQ=MONTHLY;BYDAY=0MO", "0MO"},
		{"FREQ=WEEKLY;BYMONTHDAY=3", "BYMONTHDAY"},
		{"FREQ=MONTHLY;BYMONTHDAY=32", "BYMONTHDAY=32"},
		{"FREQ=YEARLY;BYMONTH=13", "BYMONTH=13"},
		{"FREQ=DAILY;FREQ=WEEKLY", "FREQ=WEEKLY"},
		{"FREQ=DAILY;BYHOUR=9", "BYHOUR=9"},
		{"FREQ=DAILY;UNTIL=2024-01-01", "UNTIL=2024-01-01"},
		{"FREQ=DAILY;INTERVAL", "INTERVAL"},
		{"FREQ=DAILY;WKST=", "WKST="},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRule))
			var me MalformedRuleError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.token, me.Token)
		})
	}
}
