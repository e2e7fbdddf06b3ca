package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/civil"
	"cadence/internal/domain"
	"cadence/internal/engine"
)

func TestAgendaRoundTripsThroughDecoder(t *testing.T) {
	day := civil.Date{Year: 2024, Month: time.June, Day: 3}
	notes := "felt strong"
	agenda := engine.Agenda{
		Zone:  "America/Los_Angeles",
		Start: day,
		End:   day,
		Days: map[civil.Date][]domain.InstanceView{
			day: {
				{
					ActivityInstance: domain.ActivityInstance{ID: "i1", ScheduleActivityID: "sa1", Instant: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC), LocalDate: day},
					Title:            "Stretch",
					LocalStartTime:   civil.Time{Hour: 7},
					DurationMinutes:  20,
				},
				{
					ActivityInstance: domain.ActivityInstance{ID: "i2", ScheduleActivityID: "sa2", Instant: time.Date(2024, 6, 4, 1, 0, 0, 0, time.UTC), LocalDate: day, Completed: true, Notes: &notes},
					Title:            "Yoga",
					LocalStartTime:   civil.Time{Hour: 18},
				},
			},
		},
	}
	data, err := AgendaBytes(agenda, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	require.NoError(t, err)
	var events []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			events = append(events, child)
		}
	}
	require.Len(t, events, 2)

	uid, err := events[0].Props.Text(ical.PropUID)
	require.NoError(t, err)
	assert.Equal(t, "i1", uid)
	start, err := events[0].Props.DateTime(ical.PropDateTimeStart, time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)))
	end, err := events[0].Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, end.Sub(start))

	summary, err := events[1].Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Yoga", summary)
	assert.NotNil(t, events[1].Props.Get("X-CADENCE-COMPLETED"))
	assert.Nil(t, events[1].Props.Get(ical.PropDateTimeEnd))
	assert.Contains(t, string(data), "X-WR-TIMEZONE:America/Los_Angeles")
}
