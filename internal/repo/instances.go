package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cadence/internal/civil"
	"cadence/internal/domain"
)

// DuplicateInstanceError is returned when an insert would create a second
// instance for the same definition and local date.
type DuplicateInstanceError struct {
	ScheduleActivityID string
	LocalDate          civil.Date
	Err                error
}

func (e DuplicateInstanceError) Error() string {
	return fmt.Sprintf("instance for %s on %s already exists", e.ScheduleActivityID, e.LocalDate)
}

func (e DuplicateInstanceError) Unwrap() error { return e.Err }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const instanceColumns = `i.id,i.schedule_activity_id,i.instant,i.local_date,i.completed,i.completed_at,i.mood,i.notes,i.notify`

func scanInstance(row scanner, extra ...any) (domain.ActivityInstance, error) {
	var (
		inst        domain.ActivityInstance
		instant     string
		localDate   string
		completedAt sql.NullString
		mood        sql.NullString
		notes       sql.NullString
	)
	dest := append([]any{&inst.ID, &inst.ScheduleActivityID, &instant, &localDate, &inst.Completed, &completedAt, &mood, &notes, &inst.Notify}, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if inst.Instant, err = parseInstant(instant); err != nil {
		return inst, err
	}
	if inst.LocalDate, err = civil.ParseDate(localDate); err != nil {
		return inst, err
	}
	if completedAt.Valid {
		t, err := parseInstant(completedAt.String)
		if err != nil {
			return inst, err
		}
		inst.CompletedAt = &t
	}
	if mood.Valid {
		inst.Mood = &mood.String
	}
	if notes.Valid {
		inst.Notes = &notes.String
	}
	return inst, nil
}

func collectInstances(rows *sql.Rows) ([]domain.ActivityInstance, error) {
	defer rows.Close()
	var res []domain.ActivityInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// InsertInstances writes a batch of instances with one prepared statement.
func (r Repo) InsertInstances(ctx context.Context, tx *sql.Tx, items []domain.ActivityInstance) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO activity_instances(id,schedule_activity_id,instant,local_date,completed,completed_at,mood,notes,notify) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, inst := range items {
		_, err := stmt.ExecContext(ctx, inst.ID, inst.ScheduleActivityID, formatInstant(inst.Instant), inst.LocalDate.String(),
			inst.Completed, nullableTime(inst.CompletedAt), nullableStringPtr(inst.Mood), nullableStringPtr(inst.Notes), inst.Notify)
		if isUniqueViolation(err) {
			return DuplicateInstanceError{ScheduleActivityID: inst.ScheduleActivityID, LocalDate: inst.LocalDate, Err: err}
		}
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

// DeleteInstancesFrom hard-deletes every instance of the definition at or
// after cutoff and returns the deleted ids.
func (r Repo) DeleteInstancesFrom(ctx context.Context, tx *sql.Tx, scheduleActivityID string, cutoff time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM activity_instances WHERE schedule_activity_id=? AND instant>=? ORDER BY instant`,
		scheduleActivityID, formatInstant(cutoff))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_instances WHERE schedule_activity_id=? AND instant>=?`,
		scheduleActivityID, formatInstant(cutoff)); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteInstancesOf removes all instances of a definition.
func (r Repo) DeleteInstancesOf(ctx context.Context, tx *sql.Tx, scheduleActivityID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM activity_instances WHERE schedule_activity_id=?`, scheduleActivityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.ActivityInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM activity_instances i WHERE i.id=?`, id))
}

// GetInstanceOwnedTx returns an instance with the id of the user owning it.
func (r Repo) GetInstanceOwnedTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActivityInstance, string, error) {
	var userID string
	inst, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+`,s.user_id FROM activity_instances i
JOIN schedule_activities sa ON sa.id=i.schedule_activity_id
JOIN schedules s ON s.id=sa.schedule_id
WHERE i.id=?`, id), &userID)
	return inst, userID, err
}

func (r Repo) ListInstances(ctx context.Context, scheduleActivityID string) ([]domain.ActivityInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM activity_instances i WHERE i.schedule_activity_id=? ORDER BY i.instant, i.id`, scheduleActivityID)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// OpenInstancesAfter returns non-completed instances strictly after t.
func (r Repo) OpenInstancesAfter(ctx context.Context, tx *sql.Tx, scheduleActivityID string, t time.Time) ([]domain.ActivityInstance, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+instanceColumns+` FROM activity_instances i WHERE i.schedule_activity_id=? AND i.instant>? AND i.completed=0 ORDER BY i.instant, i.id`,
		scheduleActivityID, formatInstant(t))
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// UpdateInstance rewrites the mutable columns of one instance.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, inst domain.ActivityInstance) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE activity_instances SET instant=?, local_date=?, completed=?, completed_at=?, mood=?, notes=?, notify=? WHERE id=?`,
		formatInstant(inst.Instant), inst.LocalDate.String(), inst.Completed, nullableTime(inst.CompletedAt),
		nullableStringPtr(inst.Mood), nullableStringPtr(inst.Notes), inst.Notify, inst.ID)
	if isUniqueViolation(err) {
		return DuplicateInstanceError{ScheduleActivityID: inst.ScheduleActivityID, LocalDate: inst.LocalDate, Err: err}
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InstanceFilter narrows InstancesForUser.
type InstanceFilter struct {
	UserID string
	From   time.Time // inclusive
	To     time.Time // exclusive
	// NotifiableOnly keeps open instances with notify set.
	NotifiableOnly bool
}

// InstancesForUser returns the instances reachable from the user's schedules
// whose instant lies in [From, To), ordered by instant.
func (r Repo) InstancesForUser(ctx context.Context, f InstanceFilter) ([]domain.InstanceView, error) {
	clauses := []string{"s.user_id=?", "i.instant>=?", "i.instant<?"}
	args := []any{f.UserID, formatInstant(f.From), formatInstant(f.To)}
	if f.NotifiableOnly {
		clauses = append(clauses, "i.notify=1", "i.completed=0")
	}
	query := `SELECT ` + instanceColumns + `,sa.schedule_id,sa.activity_id,a.title,sa.local_start_time,sa.duration_minutes
FROM activity_instances i
JOIN schedule_activities sa ON sa.id=i.schedule_activity_id
JOIN schedules s ON s.id=sa.schedule_id
JOIN activities a ON a.id=sa.activity_id
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY i.instant, i.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InstanceView
	for rows.Next() {
		var (
			v         domain.InstanceView
			startTime string
		)
		inst, err := scanInstance(rows, &v.ScheduleID, &v.ActivityID, &v.Title, &startTime, &v.DurationMinutes)
		if err != nil {
			return nil, err
		}
		v.ActivityInstance = inst
		if v.LocalStartTime, err = civil.ParseTime(startTime); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
