package cadencesdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/engine"
	"cadence/internal/logging"
	"cadence/internal/migrate"
	"cadence/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	e.Logger = logging.Discard()
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret"},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return New(srv.URL)
}

func TestClientPlansAndCompletes(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	u, err := c.CreateUser(ctx, "Ada", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := c.DevLogin(ctx, u.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	me, err := c.Me(ctx)
	if err != nil || me.ID != u.ID {
		t.Fatalf("me = %+v, %v", me, err)
	}
	act, err := c.CreateActivity(ctx, Activity{Title: "Stretch", DurationMinutes: 15})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	sched, err := c.CreateSchedule(ctx, "Mornings", "2024-06-01", "")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	change, err := c.AddScheduleActivity(ctx, sched.ID, NewScheduleActivity{
		ActivityID:     act.ID,
		LocalStartTime: "07:30",
		Recurrence:     "FREQ=DAILY;COUNT=3",
	})
	if err != nil {
		t.Fatalf("add schedule activity: %v", err)
	}
	if change.Materialized == nil || len(change.Materialized.Created) != 3 {
		t.Fatalf("expected 3 created instances, got %+v", change.Materialized)
	}

	agenda, err := c.Agenda(ctx, "2024-06-01", "2024-06-03")
	if err != nil {
		t.Fatalf("agenda: %v", err)
	}
	if len(agenda.Days) != 3 {
		t.Fatalf("expected 3 agenda days, got %d", len(agenda.Days))
	}
	first := agenda.Days[0].Entries[0]
	if first.Title != "Stretch" || first.Instant != "2024-06-01T07:30:00Z" {
		t.Fatalf("unexpected first entry %+v", first)
	}

	done, err := c.CompleteInstance(ctx, first.ID, "good", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed || done.Mood == nil || *done.Mood != "good" {
		t.Fatalf("unexpected completed instance %+v", done)
	}

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	due, err := c.DueNotifications(ctx, from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 open notifiable instances, got %d", len(due))
	}

	ics, err := c.AgendaICS(ctx, "2024-06-01", "2024-06-03")
	if err != nil {
		t.Fatalf("ics: %v", err)
	}
	if got := strings.Count(string(ics), "BEGIN:VEVENT"); got != 3 {
		t.Fatalf("expected 3 VEVENTs, got %d", got)
	}

	events, err := c.Events(ctx, 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected events")
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	u, err := c.CreateUser(ctx, "Ada", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := c.DevLogin(ctx, u.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	sched, err := c.CreateSchedule(ctx, "Evenings", "2024-06-01", "")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	act, err := c.CreateActivity(ctx, Activity{Title: "Read"})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	_, err = c.AddScheduleActivity(ctx, sched.ID, NewScheduleActivity{
		ActivityID:     act.ID,
		LocalStartTime: "21:00",
		Recurrence:     "FREQ=MINUTELY",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Code != "malformed_rule" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestWithQuerySkipsEmptyValues(t *testing.T) {
	if got := withQuery("agenda", "start", "", "end", ""); got != "agenda" {
		t.Fatalf("got %q", got)
	}
	if got := withQuery("events", "limit", "5", "cursor", ""); got != "events?limit=5" {
		t.Fatalf("got %q", got)
	}
}
