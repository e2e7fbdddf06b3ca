package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"cadence/internal/civil"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/recur"
	"cadence/internal/repo"
)

// ScheduleActivityChange is the outcome of a definition write.
type ScheduleActivityChange struct {
	ScheduleActivity domain.ScheduleActivity `json:"schedule_activity"`
	Materialized     *MaterializeResult      `json:"materialized,omitempty"`
	Rescheduled      int                     `json:"rescheduled"`
}

// ScheduleActivityCreateOptions are parameters for adding a recurring
// activity to a schedule. UserID, when set, must own the schedule.
type ScheduleActivityCreateOptions struct {
	ID              string
	UserID          string
	ScheduleID      string
	ActivityID      string
	LocalStartTime  civil.Time
	Recurrence      string
	Anchor          mo.Option[time.Time]
	DurationMinutes mo.Option[int]
	NotifyDefault   mo.Option[bool]
	Horizon         mo.Option[civil.Date]
}

// CreateScheduleActivity validates the rule, fixes the anchor and
// materializes the first horizon in the same transaction. Without an explicit
// anchor it is the schedule start date at the local start time.
func (e Engine) CreateScheduleActivity(ctx context.Context, opts ScheduleActivityCreateOptions) (ScheduleActivityChange, error) {
	rule, err := recur.Parse(opts.Recurrence)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	if !opts.LocalStartTime.IsValid() {
		return ScheduleActivityChange{}, ValidationError{Field: "local_start_time", Message: "is invalid"}
	}
	if d, ok := opts.DurationMinutes.Get(); ok && d < 0 {
		return ScheduleActivityChange{}, ValidationError{Field: "duration_minutes", Message: "must not be negative"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	defer tx.Rollback()

	schedule, err := e.Repo.GetScheduleTx(ctx, tx, opts.ScheduleID)
	if err != nil {
		return ScheduleActivityChange{}, fmt.Errorf("schedule %s: %w", opts.ScheduleID, err)
	}
	if opts.UserID != "" && schedule.UserID != opts.UserID {
		return ScheduleActivityChange{}, fmt.Errorf("schedule %s: %w", opts.ScheduleID, repo.ErrNotFound)
	}
	owner, err := e.Repo.GetUserTx(ctx, tx, schedule.UserID)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	activity, err := e.Repo.GetActivityTx(ctx, tx, opts.ActivityID)
	if err != nil {
		return ScheduleActivityChange{}, fmt.Errorf("activity %s: %w", opts.ActivityID, err)
	}
	anchor, ok := opts.Anchor.Get()
	if !ok {
		anchor, err = e.Zones.LocalToInstant(owner.Timezone, civil.DateTime{Date: schedule.StartDate, Time: opts.LocalStartTime})
		if err != nil {
			return ScheduleActivityChange{}, err
		}
	}
	now := e.stamp()
	sa := domain.ScheduleActivity{
		ID:              id,
		ScheduleID:      schedule.ID,
		ActivityID:      activity.ID,
		LocalStartTime:  opts.LocalStartTime,
		Anchor:          anchor.UTC(),
		DurationMinutes: opts.DurationMinutes.OrElse(activity.DurationMinutes),
		Recurrence:      rule.String(),
		NotifyDefault:   opts.NotifyDefault.OrElse(owner.DefaultNotify),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertScheduleActivity(ctx, tx, sa); err != nil {
		return ScheduleActivityChange{}, fmt.Errorf("insert schedule activity: %w", err)
	}
	payload := events.EventPayload{"recurrence": sa.Recurrence, "local_start_time": sa.LocalStartTime.String(), "anchor": sa.Anchor.Format(time.RFC3339)}
	if err := e.Events.Append(ctx, tx, events.ScheduleActivityCreated, owner.ID, "schedule_activity", sa.ID, payload); err != nil {
		return ScheduleActivityChange{}, err
	}
	res, err := e.materializeTx(ctx, tx, owner, sa, MaterializeOptions{Horizon: opts.Horizon})
	if err != nil {
		e.recordFailure(sa.ID, err)
		return ScheduleActivityChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScheduleActivityChange{}, err
	}
	e.recordSuccess(sa.ID, res)
	return ScheduleActivityChange{ScheduleActivity: sa, Materialized: &res}, nil
}

// ScheduleActivityUpdateOptions patch a definition; nil fields are left alone.
//
// The anchor is only ever replaced as a whole: changing LocalStartTime
// requires a new Anchor. With PatchOnly a start-time change moves the open
// future instances in place instead of regenerating them; rule and anchor
// changes always regenerate.
type ScheduleActivityUpdateOptions struct {
	ID              string
	UserID          string
	ActivityID      *string
	LocalStartTime  *civil.Time
	Anchor          *time.Time
	DurationMinutes *int
	Recurrence      *string
	NotifyDefault   *bool
	PatchOnly       bool
}

func (e Engine) UpdateScheduleActivity(ctx context.Context, opts ScheduleActivityUpdateOptions) (ScheduleActivityChange, error) {
	unlock := e.lock(opts.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	defer tx.Rollback()

	owned, err := e.Repo.GetScheduleActivityTx(ctx, tx, opts.ID)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	if opts.UserID != "" && owned.UserID != opts.UserID {
		return ScheduleActivityChange{}, repo.ErrNotFound
	}
	owner, err := e.Repo.GetUserTx(ctx, tx, owned.UserID)
	if err != nil {
		return ScheduleActivityChange{}, err
	}
	sa := owned.ScheduleActivity
	var (
		startChanged  bool
		anchorChanged bool
		ruleChanged   bool
		notifyChanged bool
		fields        []string
	)
	if opts.LocalStartTime != nil && *opts.LocalStartTime != sa.LocalStartTime {
		if !opts.LocalStartTime.IsValid() {
			return ScheduleActivityChange{}, ValidationError{Field: "local_start_time", Message: "is invalid"}
		}
		if opts.Anchor == nil {
			return ScheduleActivityChange{}, ErrAnchorRequired
		}
		sa.LocalStartTime = *opts.LocalStartTime
		startChanged = true
		fields = append(fields, "local_start_time")
	}
	if opts.Anchor != nil && !opts.Anchor.Equal(sa.Anchor) {
		sa.Anchor = opts.Anchor.UTC()
		anchorChanged = true
		fields = append(fields, "anchor")
	}
	if opts.Recurrence != nil {
		rule, err := recur.Parse(*opts.Recurrence)
		if err != nil {
			return ScheduleActivityChange{}, err
		}
		if canonical := rule.String(); canonical != sa.Recurrence {
			sa.Recurrence = canonical
			ruleChanged = true
			fields = append(fields, "recurrence")
		}
	}
	if opts.NotifyDefault != nil && *opts.NotifyDefault != sa.NotifyDefault {
		sa.NotifyDefault = *opts.NotifyDefault
		notifyChanged = true
		fields = append(fields, "notify_default")
	}
	if opts.DurationMinutes != nil {
		if *opts.DurationMinutes < 0 {
			return ScheduleActivityChange{}, ValidationError{Field: "duration_minutes", Message: "must not be negative"}
		}
		if *opts.DurationMinutes != sa.DurationMinutes {
			sa.DurationMinutes = *opts.DurationMinutes
			fields = append(fields, "duration_minutes")
		}
	}
	if opts.ActivityID != nil && *opts.ActivityID != sa.ActivityID {
		if _, err := e.Repo.GetActivityTx(ctx, tx, *opts.ActivityID); err != nil {
			return ScheduleActivityChange{}, fmt.Errorf("activity %s: %w", *opts.ActivityID, err)
		}
		sa.ActivityID = *opts.ActivityID
		fields = append(fields, "activity_id")
	}
	change := ScheduleActivityChange{ScheduleActivity: sa}
	if len(fields) == 0 {
		return change, nil
	}
	sa.UpdatedAt = e.stamp()
	change.ScheduleActivity = sa
	if err := e.Repo.UpdateScheduleActivity(ctx, tx, sa); err != nil {
		return ScheduleActivityChange{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ScheduleActivityUpdated, owner.ID, "schedule_activity", sa.ID, events.EventPayload{"fields": fields}); err != nil {
		return ScheduleActivityChange{}, err
	}

	// PatchOnly only covers a start-time move; an anchor moved on its own
	// shifts the recurrence grid and always regenerates.
	regenerate := ruleChanged || (anchorChanged && !startChanged) || (anchorChanged || startChanged) && !opts.PatchOnly
	switch {
	case regenerate:
		res, err := e.materializeTx(ctx, tx, owner, sa, MaterializeOptions{})
		if err != nil {
			e.recordFailure(sa.ID, err)
			return ScheduleActivityChange{}, err
		}
		if err := tx.Commit(); err != nil {
			return ScheduleActivityChange{}, err
		}
		e.recordSuccess(sa.ID, res)
		change.Materialized = &res
		return change, nil
	case startChanged || notifyChanged:
		var patch []Field
		if startChanged {
			patch = append(patch, FieldLocalStartTime)
		}
		if notifyChanged {
			patch = append(patch, FieldNotifyDefault)
		}
		n, err := e.updateFutureTx(ctx, tx, owner, sa, patch)
		if err != nil {
			return ScheduleActivityChange{}, err
		}
		change.Rescheduled = n
	}
	if err := tx.Commit(); err != nil {
		return ScheduleActivityChange{}, err
	}
	return change, nil
}

// DeleteScheduleActivity removes the definition and all of its instances,
// deleting instances by owner id first.
func (e Engine) DeleteScheduleActivity(ctx context.Context, userID, id string) error {
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	owned, err := e.Repo.GetScheduleActivityTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if userID != "" && owned.UserID != userID {
		return repo.ErrNotFound
	}
	n, err := e.Repo.DeleteInstancesOf(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	if err := e.Repo.DeleteScheduleActivity(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ScheduleActivityDeleted, owned.UserID, "schedule_activity", id, events.EventPayload{"instances": n}); err != nil {
		return err
	}
	return tx.Commit()
}

// MaterializeScheduleActivity regenerates one definition on request.
func (e Engine) MaterializeScheduleActivity(ctx context.Context, userID, id string, opts MaterializeOptions) (MaterializeResult, error) {
	owned, err := e.Repo.GetScheduleActivity(ctx, id)
	if err != nil {
		return MaterializeResult{}, err
	}
	if userID != "" && owned.UserID != userID {
		return MaterializeResult{}, repo.ErrNotFound
	}
	return e.Materialize(ctx, id, opts)
}

// RegenerateSummary totals a RegenerateAll pass.
type RegenerateSummary struct {
	Activities int `json:"activities"`
	Failed     int `json:"failed"`
	Created    int `json:"created"`
	Discarded  int `json:"discarded"`
}

// RegenerateAll materializes every definition, restricted to one user when
// userID is set. Each definition runs in the zone of its owner; a failure is
// recorded and the pass continues with the next definition. Definitions
// deleted after the listing are skipped.
func (e Engine) RegenerateAll(ctx context.Context, userID string) (RegenerateSummary, error) {
	defs, err := e.Repo.ListOwnedScheduleActivities(ctx, userID)
	if err != nil {
		return RegenerateSummary{}, err
	}
	var (
		summary RegenerateSummary
		errs    []error
	)
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := e.Materialize(ctx, def.ID, MaterializeOptions{})
		if errors.Is(err, repo.ErrNotFound) {
			// deleted since the listing
			continue
		}
		summary.Activities++
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("schedule activity %s: %w", def.ID, err))
			continue
		}
		summary.Created += len(res.Created)
		summary.Discarded += len(res.Discarded)
	}
	e.logger().Info("regenerated", "activities", summary.Activities, "failed", summary.Failed, "created", summary.Created)
	return summary, errors.Join(errs...)
}
