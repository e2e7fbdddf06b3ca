package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"cadence/internal/civil"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/metrics"
	"cadence/internal/recur"
	"cadence/internal/repo"
)

// MaterializeOptions tune a single run. Horizon overrides the configured
// horizon; the window ends at the horizon date's civil midnight.
type MaterializeOptions struct {
	Horizon mo.Option[civil.Date]
}

type MaterializeResult struct {
	Created   []domain.ActivityInstance `json:"created"`
	Discarded []string                  `json:"discarded"`
}

// Materialize replaces every instance of the definition from the start of
// today (in the owner's zone) with a fresh expansion of its rule up to the
// horizon. Earlier instances are never touched. The definition and its owner
// are read under the definition's lock inside the run's transaction, so a
// concurrent edit is either fully seen or not at all.
func (e Engine) Materialize(ctx context.Context, id string, opts MaterializeOptions) (MaterializeResult, error) {
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MaterializeResult{}, err
	}
	defer tx.Rollback()

	owned, err := e.Repo.GetScheduleActivityTx(ctx, tx, id)
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("schedule activity %s: %w", id, err)
	}
	owner, err := e.Repo.GetUserTx(ctx, tx, owned.UserID)
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("schedule activity %s: owner: %w", id, err)
	}
	res, err := e.materializeTx(ctx, tx, owner, owned.ScheduleActivity, opts)
	if err != nil {
		e.recordFailure(id, err)
		return MaterializeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		e.recordFailure(id, err)
		return MaterializeResult{}, err
	}
	e.recordSuccess(id, res)
	return res, nil
}

func (e Engine) materializeTx(ctx context.Context, tx *sql.Tx, owner domain.User, sa domain.ScheduleActivity, opts MaterializeOptions) (MaterializeResult, error) {
	zone := owner.Timezone
	rule, err := recur.Parse(sa.Recurrence)
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("schedule activity %s: %w", sa.ID, err)
	}
	loc, err := e.Zones.Location(zone)
	if err != nil {
		return MaterializeResult{}, err
	}
	today, err := e.Zones.Today(zone, e.now())
	if err != nil {
		return MaterializeResult{}, err
	}
	todayStart, err := e.Zones.StartOfDay(zone, today)
	if err != nil {
		return MaterializeResult{}, err
	}
	cutoff, err := e.Zones.LocalToInstant(zone, todayStart)
	if err != nil {
		return MaterializeResult{}, err
	}
	horizon := civil.DateTime{Date: opts.Horizon.OrElse(today.AddDays(e.Config.Horizon()))}
	anchor, err := e.Zones.InstantToLocal(zone, sa.Anchor)
	if err != nil {
		return MaterializeResult{}, err
	}

	discarded, err := e.Repo.DeleteInstancesFrom(ctx, tx, sa.ID, cutoff)
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("discard instances: %w", err)
	}
	var created []domain.ActivityInstance
	for occ := range (recur.Expander{Location: loc}).All(rule, anchor, todayStart, horizon) {
		local := civil.DateTime{Date: occ.Date, Time: sa.LocalStartTime}
		instant, err := e.Zones.LocalToInstant(zone, local)
		if err != nil {
			return MaterializeResult{}, err
		}
		created = append(created, domain.ActivityInstance{
			ID:                 uuid.NewString(),
			ScheduleActivityID: sa.ID,
			Instant:            instant,
			LocalDate:          occ.Date,
			Notify:             sa.NotifyDefault,
		})
	}
	if err := e.Repo.InsertInstances(ctx, tx, created); err != nil {
		var dup repo.DuplicateInstanceError
		if errors.As(err, &dup) {
			return MaterializeResult{}, MaterializationConflictError{ScheduleActivityID: dup.ScheduleActivityID, LocalDate: dup.LocalDate, Err: err}
		}
		return MaterializeResult{}, err
	}
	payload := events.EventPayload{
		"created":   len(created),
		"discarded": len(discarded),
		"from":      todayStart.String(),
		"horizon":   horizon.String(),
		"timezone":  zone,
	}
	if err := e.Events.Append(ctx, tx, events.InstancesMaterialized, owner.ID, "schedule_activity", sa.ID, payload); err != nil {
		return MaterializeResult{}, err
	}
	if discarded == nil {
		discarded = []string{}
	}
	if created == nil {
		created = []domain.ActivityInstance{}
	}
	return MaterializeResult{Created: created, Discarded: discarded}, nil
}

func (e Engine) recordSuccess(id string, res MaterializeResult) {
	metrics.RecordMaterialization("ok", len(res.Created), len(res.Discarded))
	e.logger().Debug("materialized", "schedule_activity", id, "created", len(res.Created), "discarded", len(res.Discarded))
}

func (e Engine) recordFailure(id string, err error) {
	var conflict MaterializationConflictError
	if errors.As(err, &conflict) {
		metrics.RecordMaterialization("conflict", 0, 0)
		e.logger().Warn("materialization conflict", "schedule_activity", id, "local_date", conflict.LocalDate.String())
		return
	}
	metrics.RecordMaterialization("error", 0, 0)
	e.logger().Error("materialization failed", "schedule_activity", id, "err", err)
}

// Field names a definition attribute that can be pushed onto open future
// instances without regenerating them.
type Field int

const (
	FieldLocalStartTime Field = iota + 1
	FieldNotifyDefault
)

func (f Field) String() string {
	switch f {
	case FieldLocalStartTime:
		return "local_start_time"
	case FieldNotifyDefault:
		return "notify_default"
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// UpdateFutureInstances rewrites the open instances of sa that lie after now.
// A start-time change keeps each instance's local date and recombines it with
// the new time in the owner's zone. It returns the number of rows updated.
func (e Engine) UpdateFutureInstances(ctx context.Context, owner domain.User, sa domain.ScheduleActivity, changed []Field) (int, error) {
	unlock := e.lock(sa.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := e.updateFutureTx(ctx, tx, owner, sa, changed)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (e Engine) updateFutureTx(ctx context.Context, tx *sql.Tx, owner domain.User, sa domain.ScheduleActivity, changed []Field) (int, error) {
	retime := slices.Contains(changed, FieldLocalStartTime)
	renotify := slices.Contains(changed, FieldNotifyDefault)
	if !retime && !renotify {
		return 0, nil
	}
	open, err := e.Repo.OpenInstancesAfter(ctx, tx, sa.ID, e.now())
	if err != nil {
		return 0, err
	}
	for _, inst := range open {
		if retime {
			instant, err := e.Zones.LocalToInstant(owner.Timezone, civil.DateTime{Date: inst.LocalDate, Time: sa.LocalStartTime})
			if err != nil {
				return 0, err
			}
			inst.Instant = instant
		}
		if renotify {
			inst.Notify = sa.NotifyDefault
		}
		if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
			return 0, fmt.Errorf("update instance %s: %w", inst.ID, err)
		}
	}
	names := make([]string, 0, len(changed))
	for _, f := range changed {
		names = append(names, f.String())
	}
	payload := events.EventPayload{"updated": len(open), "fields": names}
	if err := e.Events.Append(ctx, tx, events.InstancesRescheduled, owner.ID, "schedule_activity", sa.ID, payload); err != nil {
		return 0, err
	}
	return len(open), nil
}
