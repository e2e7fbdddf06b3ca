package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"

	"cadence/internal/civil"
	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/migrate"
	"cadence/internal/recur"
	"cadence/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	User   domain.User
	clock  *time.Time
}

func (env testEnv) setNow(t time.Time) { *env.clock = t }

// newTestEnv opens a migrated workspace with one user in zone and a fixed
// clock at now.
func newTestEnv(t *testing.T, zone string, now time.Time) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	current := new(time.Time)
	*current = now
	eng.Now = func() time.Time { return *current }
	ctx := context.Background()
	u, err := eng.CreateUser(ctx, engine.UserCreateOptions{Name: "Ada", Timezone: zone})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, User: u, clock: current}
}

func (env testEnv) schedule(t *testing.T, start civil.Date) domain.Schedule {
	t.Helper()
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{UserID: env.User.ID, Name: "routine", StartDate: start})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func (env testEnv) activity(t *testing.T, title string) domain.Activity {
	t.Helper()
	a, err := env.Engine.CreateActivity(env.Ctx, domain.Activity{Title: title, DurationMinutes: 30}, env.User.ID)
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return a
}

func (env testEnv) plan(t *testing.T, scheduleID, rule string, at civil.Time, opts ...func(*engine.ScheduleActivityCreateOptions)) engine.ScheduleActivityChange {
	t.Helper()
	a := env.activity(t, "yoga")
	o := engine.ScheduleActivityCreateOptions{
		UserID:         env.User.ID,
		ScheduleID:     scheduleID,
		ActivityID:     a.ID,
		LocalStartTime: at,
		Recurrence:     rule,
	}
	for _, fn := range opts {
		fn(&o)
	}
	change, err := env.Engine.CreateScheduleActivity(env.Ctx, o)
	if err != nil {
		t.Fatalf("create schedule activity: %v", err)
	}
	return change
}

func (env testEnv) instances(t *testing.T, saID string) []domain.ActivityInstance {
	t.Helper()
	list, err := env.Engine.Repo.ListInstances(env.Ctx, saID)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	return list
}

func date(y int, m time.Month, d int) civil.Date { return civil.Date{Year: y, Month: m, Day: d} }

func clock(h, m int) civil.Time { return civil.Time{Hour: h, Minute: m} }

func TestDailyCountMaterializesFromToday(t *testing.T) {
	// 10:00 PDT on Monday 2024-06-03.
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	change := env.plan(t, s.ID, "FREQ=DAILY;COUNT=5", clock(10, 0))

	if got := len(change.Materialized.Created); got != 5 {
		t.Fatalf("expected 5 instances, got %d", got)
	}
	list := env.instances(t, change.ScheduleActivity.ID)
	for i, inst := range list {
		wantDate := date(2024, 6, 3+i)
		if inst.LocalDate != wantDate {
			t.Fatalf("instance %d: local date %s, want %s", i, inst.LocalDate, wantDate)
		}
		wantInstant := time.Date(2024, 6, 3+i, 17, 0, 0, 0, time.UTC)
		if !inst.Instant.Equal(wantInstant) {
			t.Fatalf("instance %d: instant %s, want %s", i, inst.Instant, wantInstant)
		}
		if !inst.Notify || inst.Completed {
			t.Fatalf("instance %d: unexpected flags %+v", i, inst)
		}
	}
}

func TestWeeklyByDayOverTwoWeeks(t *testing.T) {
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	change := env.plan(t, s.ID, "FREQ=WEEKLY;BYDAY=MO,WE,FR", clock(19, 0), func(o *engine.ScheduleActivityCreateOptions) {
		o.Horizon = mo.Some(date(2024, 6, 17))
	})
	list := env.instances(t, change.ScheduleActivity.ID)
	want := []civil.Date{date(2024, 6, 3), date(2024, 6, 5), date(2024, 6, 7), date(2024, 6, 10), date(2024, 6, 12), date(2024, 6, 14)}
	if len(list) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(list))
	}
	for i, inst := range list {
		if inst.LocalDate != want[i] {
			t.Fatalf("instance %d: %s, want %s", i, inst.LocalDate, want[i])
		}
		switch inst.LocalDate.Weekday() {
		case time.Monday, time.Wednesday, time.Friday:
		default:
			t.Fatalf("instance on %s", inst.LocalDate.Weekday())
		}
	}
}

func TestStartTimeEditKeepsPastAndReplacesFuture(t *testing.T) {
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 1))
	change := env.plan(t, s.ID, "FREQ=DAILY;COUNT=5", clock(10, 0))
	sa := change.ScheduleActivity
	initial := env.instances(t, sa.ID)
	if len(initial) != 5 {
		t.Fatalf("expected 5 instances, got %d", len(initial))
	}
	for _, inst := range initial[:2] {
		if _, err := env.Engine.CompleteInstance(env.Ctx, env.User.ID, inst.ID, nil, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	past := env.instances(t, sa.ID)[:2]

	// 05:00 PDT on June 3.
	env.setNow(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	newAnchor, err := env.Engine.Zones.Rebase(env.User.Timezone, sa.Anchor, clock(18, 0))
	if err != nil {
		t.Fatal(err)
	}
	start := clock(18, 0)
	updated, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{
		ID: sa.ID, UserID: env.User.ID, LocalStartTime: &start, Anchor: &newAnchor,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Materialized == nil || len(updated.Materialized.Discarded) != 3 || len(updated.Materialized.Created) != 3 {
		t.Fatalf("expected 3 discarded and 3 created, got %+v", updated.Materialized)
	}
	list := env.instances(t, sa.ID)
	if len(list) != 5 {
		t.Fatalf("expected 5 instances after edit, got %d", len(list))
	}
	for i := 0; i < 2; i++ {
		if !sameInstance(list[i], past[i]) {
			t.Fatalf("past instance %d changed: %+v vs %+v", i, list[i], past[i])
		}
		if !list[i].Completed {
			t.Fatalf("past instance %d lost completion", i)
		}
	}
	for i := 2; i < 5; i++ {
		want := time.Date(2024, 6, 1+i, 18+7, 0, 0, 0, time.UTC)
		if !list[i].Instant.Equal(want) {
			t.Fatalf("future instance %d at %s, want %s", i, list[i].Instant, want)
		}
		if list[i].ID == initial[i].ID {
			t.Fatalf("future instance %d kept its id", i)
		}
	}
}

func sameInstance(a, b domain.ActivityInstance) bool {
	return a.ID == b.ID && a.Instant.Equal(b.Instant) && a.LocalDate == b.LocalDate &&
		a.Completed == b.Completed && a.Notify == b.Notify &&
		equalTimePtr(a.CompletedAt, b.CompletedAt) && equalStringPtr(a.Mood, b.Mood) && equalStringPtr(a.Notes, b.Notes)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func TestStartTimeEditRequiresAnchor(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY", clock(9, 0)).ScheduleActivity
	start := clock(11, 0)
	_, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{ID: sa.ID, LocalStartTime: &start})
	if !errors.Is(err, engine.ErrAnchorRequired) {
		t.Fatalf("expected ErrAnchorRequired, got %v", err)
	}
}

func TestPatchOnlyMovesOpenFutureInstances(t *testing.T) {
	env := newTestEnv(t, "Europe/Berlin", time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity
	before := env.instances(t, sa.ID)

	start := clock(10, 30)
	anchor, err := env.Engine.Zones.Rebase(env.User.Timezone, sa.Anchor, start)
	if err != nil {
		t.Fatal(err)
	}
	change, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{
		ID: sa.ID, LocalStartTime: &start, Anchor: &anchor, PatchOnly: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if change.Materialized != nil || change.Rescheduled != 3 {
		t.Fatalf("expected 3 rescheduled without regeneration, got %+v", change)
	}
	after := env.instances(t, sa.ID)
	for i := range after {
		if after[i].ID != before[i].ID || after[i].LocalDate != before[i].LocalDate {
			t.Fatalf("instance %d identity changed", i)
		}
		// CEST is UTC+2.
		want := time.Date(2024, 6, 3+i, 8, 30, 0, 0, time.UTC)
		if !after[i].Instant.Equal(want) {
			t.Fatalf("instance %d at %s, want %s", i, after[i].Instant, want)
		}
	}
}

func TestNotifyDefaultPropagatesToOpenFutureInstances(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=4", clock(9, 0)).ScheduleActivity
	list := env.instances(t, sa.ID)
	// list[0] is earlier today and no longer in the future.
	if _, err := env.Engine.CompleteInstance(env.Ctx, "", list[1].ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	off := false
	change, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{ID: sa.ID, NotifyDefault: &off})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if change.Rescheduled != 2 {
		t.Fatalf("expected 2 updated, got %d", change.Rescheduled)
	}
	after := env.instances(t, sa.ID)
	want := []bool{true, true, false, false}
	for i, inst := range after {
		if inst.Notify != want[i] {
			t.Fatalf("instance %d notify=%v, want %v", i, inst.Notify, want[i])
		}
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "Asia/Kolkata", time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 5, 20))
	sa := env.plan(t, s.ID, "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH", clock(6, 45)).ScheduleActivity
	first := env.instances(t, sa.ID)
	if len(first) == 0 {
		t.Fatal("expected instances")
	}
	res, err := env.Engine.Materialize(env.Ctx, sa.ID, engine.MaterializeOptions{})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(res.Discarded) != len(first) {
		t.Fatalf("expected %d discarded, got %d", len(first), len(res.Discarded))
	}
	second := env.instances(t, sa.ID)
	if len(second) != len(first) {
		t.Fatalf("instance count changed: %d vs %d", len(second), len(first))
	}
	for i := range first {
		if !first[i].Instant.Equal(second[i].Instant) || first[i].LocalDate != second[i].LocalDate {
			t.Fatalf("instance %d moved: %s vs %s", i, first[i].Instant, second[i].Instant)
		}
	}
}

func TestConcurrentMaterializeNeverDuplicates(t *testing.T) {
	env := newTestEnv(t, "America/New_York", time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=30", clock(7, 0)).ScheduleActivity
	expected := len(env.instances(t, sa.ID))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Materialize(env.Ctx, sa.ID, engine.MaterializeOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		var conflict engine.MaterializationConflictError
		if err != nil && !errors.As(err, &conflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	list := env.instances(t, sa.ID)
	if len(list) != expected {
		t.Fatalf("expected %d instances, got %d", expected, len(list))
	}
	seen := map[civil.Date]bool{}
	for _, inst := range list {
		if seen[inst.LocalDate] {
			t.Fatalf("duplicate instance on %s", inst.LocalDate)
		}
		seen[inst.LocalDate] = true
	}
}

func TestZoneChangeCollisionIsConflict(t *testing.T) {
	// 14:00 JST on June 3.
	env := newTestEnv(t, "Asia/Tokyo", time.Date(2024, 6, 3, 5, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY", clock(15, 0), func(o *engine.ScheduleActivityCreateOptions) {
		o.Horizon = mo.Some(date(2024, 6, 6))
	}).ScheduleActivity

	zone := "America/Los_Angeles"
	owner, err := env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: env.User.ID, Timezone: &zone})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	// 09:00 PDT on June 3; the June 3 row at 06:00Z predates the new cutoff.
	env.setNow(time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC))
	before := env.instances(t, sa.ID)
	_, err = env.Engine.Materialize(env.Ctx, sa.ID, engine.MaterializeOptions{Horizon: mo.Some(date(2024, 6, 6))})
	var conflict engine.MaterializationConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.LocalDate != date(2024, 6, 3) {
		t.Fatalf("conflict on %s", conflict.LocalDate)
	}
	if after := env.instances(t, sa.ID); len(after) != len(before) {
		t.Fatalf("failed run changed rows: %d vs %d", len(after), len(before))
	}

	summary, err := env.Engine.RegenerateAll(env.Ctx, owner.ID)
	if !errors.As(err, &conflict) {
		t.Fatalf("expected joined conflict, got %v", err)
	}
	if summary.Activities != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRegenerateAllContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	a := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity
	b := env.plan(t, s.ID, "FREQ=DAILY;COUNT=2", clock(20, 0)).ScheduleActivity

	env.setNow(time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC))
	summary, err := env.Engine.RegenerateAll(env.Ctx, "")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if summary.Activities != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := len(env.instances(t, a.ID)); got != 3 {
		t.Fatalf("a: expected 3 instances, got %d", got)
	}
	if got := len(env.instances(t, b.ID)); got != 2 {
		t.Fatalf("b: expected 2 instances, got %d", got)
	}
}

func TestMalformedRuleRejectedAtWrite(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	a := env.activity(t, "run")
	_, err := env.Engine.CreateScheduleActivity(env.Ctx, engine.ScheduleActivityCreateOptions{
		ScheduleID: s.ID, ActivityID: a.ID, LocalStartTime: clock(7, 0), Recurrence: "FREQ=DAILY;COUNT=3;UNTIL=20240610",
	})
	if !errors.Is(err, recur.ErrMalformedRule) {
		t.Fatalf("expected malformed rule, got %v", err)
	}
	defs, err := env.Engine.Repo.ListScheduleActivities(env.Ctx, s.ID)
	if err != nil || len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d (%v)", len(defs), err)
	}
}

func TestGetScheduleBucketsAndOrders(t *testing.T) {
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	evening := env.plan(t, s.ID, "FREQ=DAILY;COUNT=2", clock(18, 0)).ScheduleActivity
	morning := env.plan(t, s.ID, "FREQ=DAILY;COUNT=2", clock(7, 0)).ScheduleActivity

	agenda, err := env.Engine.GetSchedule(env.Ctx, env.User, date(2024, 6, 3), date(2024, 6, 4))
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	dates := agenda.Dates()
	if len(dates) != 2 || dates[0] != date(2024, 6, 3) || dates[1] != date(2024, 6, 4) {
		t.Fatalf("unexpected dates %v", dates)
	}
	for _, d := range dates {
		items := agenda.Days[d]
		if len(items) != 2 {
			t.Fatalf("%s: expected 2 entries, got %d", d, len(items))
		}
		if items[0].ScheduleActivityID != morning.ID || items[1].ScheduleActivityID != evening.ID {
			t.Fatalf("%s: wrong order", d)
		}
		if items[0].Title != "yoga" || items[0].DurationMinutes != 30 {
			t.Fatalf("%s: missing definition fields %+v", d, items[0])
		}
	}
	if agenda.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", agenda.Len())
	}

	empty, err := env.Engine.GetSchedule(env.Ctx, env.User, date(2024, 7, 1), date(2024, 7, 2))
	if err != nil || len(empty.Dates()) != 0 {
		t.Fatalf("expected empty agenda, got %v (%v)", empty.Dates(), err)
	}
	if _, err := env.Engine.GetSchedule(env.Ctx, env.User, date(2024, 6, 4), date(2024, 6, 3)); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestDueNotificationsSkipsMutedAndCompleted(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity
	list := env.instances(t, sa.ID)
	if _, err := env.Engine.SetInstanceNotify(env.Ctx, env.User.ID, list[0].ID, false); err != nil {
		t.Fatal(err)
	}
	mood := "good"
	done, err := env.Engine.CompleteInstance(env.Ctx, env.User.ID, list[1].ID, &mood, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil || done.Mood == nil || *done.Mood != "good" {
		t.Fatalf("completion not recorded: %+v", done)
	}
	due, err := env.Engine.DueNotifications(env.Ctx, env.User, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != list[2].ID {
		t.Fatalf("expected only the third instance, got %+v", due)
	}
}

func TestDeleteScheduleActivityRemovesInstances(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity
	other, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteScheduleActivity(env.Ctx, other.ID, sa.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for foreign user, got %v", err)
	}
	if err := env.Engine.DeleteScheduleActivity(env.Ctx, env.User.ID, sa.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(env.instances(t, sa.ID)); got != 0 {
		t.Fatalf("expected no instances, got %d", got)
	}
	if _, err := env.Engine.Repo.GetScheduleActivity(env.Ctx, sa.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected definition gone, got %v", err)
	}
}

func TestDerivedAnchorUsesScheduleStart(t *testing.T) {
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 5, 27))
	sa := env.plan(t, s.ID, "FREQ=WEEKLY;COUNT=2", clock(10, 0)).ScheduleActivity
	if want := time.Date(2024, 5, 27, 17, 0, 0, 0, time.UTC); !sa.Anchor.Equal(want) {
		t.Fatalf("anchor %s, want %s", sa.Anchor, want)
	}
	// Occurrence 1 (May 27) predates today; only June 3 remains.
	list := env.instances(t, sa.ID)
	if len(list) != 1 || list[0].LocalDate != date(2024, 6, 3) {
		t.Fatalf("unexpected instances %+v", list)
	}
	if sa.NotifyDefault != env.User.DefaultNotify {
		t.Fatalf("notify default not inherited")
	}
}

func TestRecurrenceEditRegenerates(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity

	rule := "FREQ=WEEKLY;COUNT=2"
	change, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{ID: sa.ID, Recurrence: &rule, PatchOnly: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if change.Materialized == nil || len(change.Materialized.Discarded) != 3 || len(change.Materialized.Created) != 2 {
		t.Fatalf("expected 3 discarded and 2 created, got %+v", change.Materialized)
	}
	list := env.instances(t, sa.ID)
	want := []civil.Date{date(2024, 6, 3), date(2024, 6, 10)}
	if len(list) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(list))
	}
	for i, inst := range list {
		if inst.LocalDate != want[i] {
			t.Fatalf("instance %d on %s, want %s", i, inst.LocalDate, want[i])
		}
	}
}

func TestAnchorEditRegeneratesEvenWithPatchOnly(t *testing.T) {
	for _, patchOnly := range []bool{false, true} {
		env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC))
		s := env.schedule(t, date(2024, 6, 3))
		sa := env.plan(t, s.ID, "FREQ=WEEKLY;COUNT=3", clock(9, 0)).ScheduleActivity
		if got := env.instances(t, sa.ID)[0].LocalDate.Weekday(); got != time.Monday {
			t.Fatalf("initial weekday %s", got)
		}

		anchor := time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC)
		change, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{ID: sa.ID, Anchor: &anchor, PatchOnly: patchOnly})
		if err != nil {
			t.Fatalf("patchOnly=%v: update: %v", patchOnly, err)
		}
		if change.Materialized == nil {
			t.Fatalf("patchOnly=%v: anchor edit did not regenerate", patchOnly)
		}
		list := env.instances(t, sa.ID)
		if len(list) != 3 {
			t.Fatalf("patchOnly=%v: expected 3 instances, got %d", patchOnly, len(list))
		}
		for i, inst := range list {
			want := time.Date(2024, 6, 4+7*i, 9, 0, 0, 0, time.UTC)
			if !inst.Instant.Equal(want) || inst.LocalDate.Weekday() != time.Tuesday {
				t.Fatalf("patchOnly=%v: instance %d at %s, want %s", patchOnly, i, inst.Instant, want)
			}
		}
	}
}

func TestMaterializeReadsCurrentDefinition(t *testing.T) {
	env := newTestEnv(t, "UTC", time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 6, 3))
	listed := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(9, 0)).ScheduleActivity

	start := clock(18, 0)
	anchor, err := env.Engine.Zones.Rebase(env.User.Timezone, listed.Anchor, start)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateScheduleActivity(env.Ctx, engine.ScheduleActivityUpdateOptions{ID: listed.ID, LocalStartTime: &start, Anchor: &anchor}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A regeneration pass holding the listing from before the edit must
	// still build from the stored definition.
	if _, err := env.Engine.Materialize(env.Ctx, listed.ID, engine.MaterializeOptions{}); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for i, inst := range env.instances(t, listed.ID) {
		want := time.Date(2024, 6, 3+i, 18, 0, 0, 0, time.UTC)
		if !inst.Instant.Equal(want) {
			t.Fatalf("instance %d at %s, want %s", i, inst.Instant, want)
		}
	}

	if err := env.Engine.DeleteScheduleActivity(env.Ctx, env.User.ID, listed.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Materialize(env.Ctx, listed.ID, engine.MaterializeOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for deleted definition, got %v", err)
	}
	summary, err := env.Engine.RegenerateAll(env.Ctx, env.User.ID)
	if err != nil || summary.Activities != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v (%v)", summary, err)
	}
}

func TestMaterializeInSpringForwardGap(t *testing.T) {
	// 01:00 PST on March 9; clocks jump from 02:00 to 03:00 on March 10.
	env := newTestEnv(t, "America/Los_Angeles", time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC))
	s := env.schedule(t, date(2024, 3, 9))
	sa := env.plan(t, s.ID, "FREQ=DAILY;COUNT=3", clock(2, 30)).ScheduleActivity

	list := env.instances(t, sa.ID)
	want := []struct {
		day     civil.Date
		instant time.Time
	}{
		{date(2024, 3, 9), time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)},
		// 02:30 does not exist; the transition instant (03:00 PDT) is used.
		{date(2024, 3, 10), time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)},
		{date(2024, 3, 11), time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)},
	}
	if len(list) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(list))
	}
	for i, inst := range list {
		if inst.LocalDate != want[i].day || !inst.Instant.Equal(want[i].instant) {
			t.Fatalf("instance %d: %s at %s, want %s at %s", i, inst.LocalDate, inst.Instant, want[i].day, want[i].instant)
		}
	}
}
