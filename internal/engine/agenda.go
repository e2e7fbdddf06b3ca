package engine

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"cadence/internal/civil"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
)

// Agenda groups instances by the civil date they fall on in Zone.
type Agenda struct {
	Zone  string
	Start civil.Date
	End   civil.Date
	Days  map[civil.Date][]domain.InstanceView
}

// Dates returns the dates that hold at least one instance, ascending.
func (a Agenda) Dates() []civil.Date {
	dates := make([]civil.Date, 0, len(a.Days))
	for d := range a.Days {
		dates = append(dates, d)
	}
	slices.SortFunc(dates, civil.Date.Compare)
	return dates
}

// Len counts the instances across all days.
func (a Agenda) Len() int {
	n := 0
	for _, items := range a.Days {
		n += len(items)
	}
	return n
}

// GetSchedule returns the owner's instances between start and end inclusive,
// bucketed by local date in the owner's current zone. Buckets are ordered by
// local start time, then instant, then id.
func (e Engine) GetSchedule(ctx context.Context, owner domain.User, start, end civil.Date) (Agenda, error) {
	if end.Before(start) {
		return Agenda{}, ValidationError{Field: "end", Message: "must not precede start"}
	}
	zone := owner.Timezone
	from, err := e.Zones.LocalToInstant(zone, civil.DateTime{Date: start})
	if err != nil {
		return Agenda{}, err
	}
	to, err := e.Zones.LocalToInstant(zone, civil.DateTime{Date: end.AddDays(1)})
	if err != nil {
		return Agenda{}, err
	}
	views, err := e.Repo.InstancesForUser(ctx, repo.InstanceFilter{UserID: owner.ID, From: from, To: to})
	if err != nil {
		return Agenda{}, err
	}
	agenda := Agenda{Zone: zone, Start: start, End: end, Days: map[civil.Date][]domain.InstanceView{}}
	for _, v := range views {
		local, err := e.Zones.InstantToLocal(zone, v.Instant)
		if err != nil {
			return Agenda{}, err
		}
		agenda.Days[local.Date] = append(agenda.Days[local.Date], v)
	}
	for _, items := range agenda.Days {
		slices.SortFunc(items, func(a, b domain.InstanceView) int {
			if c := a.LocalStartTime.Compare(b.LocalStartTime); c != 0 {
				return c
			}
			if c := a.Instant.Compare(b.Instant); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return agenda, nil
}

// Today returns the owner's current civil date.
func (e Engine) Today(owner domain.User) (civil.Date, error) {
	return e.Zones.Today(owner.Timezone, e.now())
}

// DueNotifications lists open instances flagged for notification whose
// instant lies in [from, to).
func (e Engine) DueNotifications(ctx context.Context, owner domain.User, from, to time.Time) ([]domain.InstanceView, error) {
	if !to.After(from) {
		return nil, ValidationError{Field: "to", Message: "must be after from"}
	}
	return e.Repo.InstancesForUser(ctx, repo.InstanceFilter{UserID: owner.ID, From: from, To: to, NotifiableOnly: true})
}

// InstanceUpdateOptions patch an instance; nil fields are left alone.
type InstanceUpdateOptions struct {
	ID        string
	UserID    string
	Completed *bool
	Mood      *string
	Notes     *string
	Notify    *bool
}

// UpdateInstance patches per-occurrence state. Marking an instance completed
// stamps CompletedAt; reopening clears it.
func (e Engine) UpdateInstance(ctx context.Context, opts InstanceUpdateOptions) (domain.ActivityInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityInstance{}, err
	}
	defer tx.Rollback()

	inst, ownerID, err := e.Repo.GetInstanceOwnedTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.ActivityInstance{}, err
	}
	if opts.UserID != "" && ownerID != opts.UserID {
		return domain.ActivityInstance{}, repo.ErrNotFound
	}
	evtType := events.InstanceUpdated
	payload := events.EventPayload{}
	if opts.Completed != nil && *opts.Completed != inst.Completed {
		inst.Completed = *opts.Completed
		if inst.Completed {
			now := e.now().UTC().Truncate(time.Second)
			inst.CompletedAt = &now
			evtType = events.InstanceCompleted
		} else {
			inst.CompletedAt = nil
		}
		payload["completed"] = inst.Completed
	}
	if opts.Mood != nil {
		inst.Mood = emptyToNil(*opts.Mood)
		payload["mood"] = *opts.Mood
	}
	if opts.Notes != nil {
		inst.Notes = emptyToNil(*opts.Notes)
		payload["notes"] = true
	}
	if opts.Notify != nil {
		inst.Notify = *opts.Notify
		payload["notify"] = inst.Notify
	}
	if len(payload) == 0 {
		return inst, nil
	}
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return domain.ActivityInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, ownerID, "instance", inst.ID, payload); err != nil {
		return domain.ActivityInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActivityInstance{}, err
	}
	return inst, nil
}

// CompleteInstance marks an instance done with optional mood and notes.
func (e Engine) CompleteInstance(ctx context.Context, userID, id string, mood, notes *string) (domain.ActivityInstance, error) {
	done := true
	return e.UpdateInstance(ctx, InstanceUpdateOptions{ID: id, UserID: userID, Completed: &done, Mood: mood, Notes: notes})
}

// SetInstanceNotify flips the notification flag of one instance.
func (e Engine) SetInstanceNotify(ctx context.Context, userID, id string, notify bool) (domain.ActivityInstance, error) {
	return e.UpdateInstance(ctx, InstanceUpdateOptions{ID: id, UserID: userID, Notify: &notify})
}

func emptyToNil(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
