// Package export renders agendas in interchange formats.
package export

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"cadence/internal/domain"
	"cadence/internal/engine"
)

const productID = "-//cadence//agenda//EN"

// AgendaCalendar builds a VCALENDAR holding one VEVENT per agenda entry.
// Start and end times are written in UTC; the zone is recorded on the
// calendar for clients that display it.
func AgendaCalendar(agenda engine.Agenda, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	if agenda.Zone != "" {
		cal.Props.SetText("X-WR-TIMEZONE", agenda.Zone)
	}
	for _, day := range agenda.Dates() {
		for _, v := range agenda.Days[day] {
			cal.Children = append(cal.Children, instanceEvent(v, stamp))
		}
	}
	return cal
}

func instanceEvent(v domain.InstanceView, stamp time.Time) *ical.Component {
	ev := ical.NewComponent(ical.CompEvent)
	ev.Props.SetText(ical.PropUID, v.ID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeStart, v.Instant.UTC())
	if v.DurationMinutes > 0 {
		ev.Props.SetDateTime(ical.PropDateTimeEnd, v.Instant.UTC().Add(time.Duration(v.DurationMinutes)*time.Minute))
	}
	ev.Props.SetText(ical.PropSummary, v.Title)
	ev.Props.SetText(ical.PropStatus, "CONFIRMED")
	if v.Completed {
		ev.Props.SetText("X-CADENCE-COMPLETED", "TRUE")
	}
	if v.Notes != nil {
		ev.Props.SetText(ical.PropDescription, *v.Notes)
	}
	ev.Props.SetText("X-CADENCE-SCHEDULE-ACTIVITY", v.ScheduleActivityID)
	return ev
}

// WriteAgenda encodes the agenda as iCalendar text.
func WriteAgenda(w io.Writer, agenda engine.Agenda, stamp time.Time) error {
	if err := ical.NewEncoder(w).Encode(AgendaCalendar(agenda, stamp)); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

// AgendaBytes is WriteAgenda into memory.
func AgendaBytes(agenda engine.Agenda, stamp time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteAgenda(&buf, agenda, stamp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
