package repo

import (
	"context"
	"database/sql"

	"cadence/internal/civil"
	"cadence/internal/domain"
)

// OwnedScheduleActivity pairs a definition with the user that owns it
// through its schedule.
type OwnedScheduleActivity struct {
	domain.ScheduleActivity
	UserID string
}

const scheduleActivityColumns = `sa.id,sa.schedule_id,sa.activity_id,sa.local_start_time,sa.anchor,sa.duration_minutes,sa.recurrence,sa.notify_default,sa.created_at,sa.updated_at`

func scanScheduleActivity(row scanner, extra ...any) (domain.ScheduleActivity, error) {
	var (
		sa        domain.ScheduleActivity
		startTime string
		anchor    string
	)
	dest := append([]any{&sa.ID, &sa.ScheduleID, &sa.ActivityID, &startTime, &anchor, &sa.DurationMinutes, &sa.Recurrence, &sa.NotifyDefault, &sa.CreatedAt, &sa.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return sa, ErrNotFound
	}
	if err != nil {
		return sa, err
	}
	if sa.LocalStartTime, err = civil.ParseTime(startTime); err != nil {
		return sa, err
	}
	if sa.Anchor, err = parseInstant(anchor); err != nil {
		return sa, err
	}
	return sa, nil
}

func (r Repo) InsertScheduleActivity(ctx context.Context, tx *sql.Tx, sa domain.ScheduleActivity) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO schedule_activities(id,schedule_id,activity_id,local_start_time,anchor,duration_minutes,recurrence,notify_default,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sa.ID, sa.ScheduleID, sa.ActivityID, sa.LocalStartTime.String(), formatInstant(sa.Anchor), sa.DurationMinutes, sa.Recurrence, sa.NotifyDefault, sa.CreatedAt, sa.UpdatedAt)
	return err
}

func (r Repo) UpdateScheduleActivity(ctx context.Context, tx *sql.Tx, sa domain.ScheduleActivity) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE schedule_activities SET activity_id=?, local_start_time=?, anchor=?, duration_minutes=?, recurrence=?, notify_default=?, updated_at=? WHERE id=?`,
		sa.ActivityID, sa.LocalStartTime.String(), formatInstant(sa.Anchor), sa.DurationMinutes, sa.Recurrence, sa.NotifyDefault, sa.UpdatedAt, sa.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduleActivity removes the definition row only; callers delete its
// instances first in the same transaction.
func (r Repo) DeleteScheduleActivity(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM schedule_activities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetScheduleActivity(ctx context.Context, id string) (OwnedScheduleActivity, error) {
	return r.getOwned(ctx, r.DB, id)
}

func (r Repo) GetScheduleActivityTx(ctx context.Context, tx *sql.Tx, id string) (OwnedScheduleActivity, error) {
	return r.getOwned(ctx, tx, id)
}

func (r Repo) getOwned(ctx context.Context, q querier, id string) (OwnedScheduleActivity, error) {
	var owned OwnedScheduleActivity
	row := q.QueryRowContext(ctx, `SELECT `+scheduleActivityColumns+`,s.user_id FROM schedule_activities sa JOIN schedules s ON s.id=sa.schedule_id WHERE sa.id=?`, id)
	sa, err := scanScheduleActivity(row, &owned.UserID)
	owned.ScheduleActivity = sa
	return owned, err
}

func (r Repo) ListScheduleActivities(ctx context.Context, scheduleID string) ([]domain.ScheduleActivity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduleActivityColumns+` FROM schedule_activities sa WHERE sa.schedule_id=? ORDER BY sa.local_start_time, sa.id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleActivity
	for rows.Next() {
		sa, err := scanScheduleActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sa)
	}
	return res, rows.Err()
}

// ListOwnedScheduleActivities returns every definition with its owner,
// restricted to one user when userID is set.
func (r Repo) ListOwnedScheduleActivities(ctx context.Context, userID string) ([]OwnedScheduleActivity, error) {
	query := `SELECT ` + scheduleActivityColumns + `,s.user_id FROM schedule_activities sa JOIN schedules s ON s.id=sa.schedule_id`
	var args []any
	if userID != "" {
		query += ` WHERE s.user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY s.user_id, sa.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OwnedScheduleActivity
	for rows.Next() {
		var owned OwnedScheduleActivity
		sa, err := scanScheduleActivity(rows, &owned.UserID)
		if err != nil {
			return nil, err
		}
		owned.ScheduleActivity = sa
		res = append(res, owned)
	}
	return res, rows.Err()
}
