package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/civil"
	"cadence/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

// --- users ---

const userColumns = `id,name,COALESCE(email,''),timezone,default_notify,created_at`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Timezone, &u.DefaultNotify, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,timezone,default_notify,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.Timezone, u.DefaultNotify, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SingleUser returns the only user in the workspace.
func (r Repo) SingleUser(ctx context.Context) (domain.User, error) {
	users, err := r.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) == 0 {
		return domain.User{}, ErrNotFound
	}
	if len(users) > 1 {
		return domain.User{}, fmt.Errorf("multiple users exist; specify --user")
	}
	return users[0], nil
}

func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET name=?, email=?, timezone=?, default_notify=? WHERE id=?`,
		u.Name, nullable(u.Email), u.Timezone, u.DefaultNotify, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- schedules ---

const scheduleColumns = `id,user_id,name,start_date,end_date,created_at`

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s         domain.Schedule
		startDate string
		endDate   sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &startDate, &endDate, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.StartDate, err = civil.ParseDate(startDate); err != nil {
		return s, err
	}
	if endDate.Valid {
		end, err := civil.ParseDate(endDate.String)
		if err != nil {
			return s, err
		}
		s.EndDate = &end
	}
	return s, nil
}

func (r Repo) InsertSchedule(ctx context.Context, tx *sql.Tx, s domain.Schedule) error {
	var end any
	if s.EndDate != nil {
		end = s.EndDate.String()
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO schedules(id,user_id,name,start_date,end_date,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.UserID, s.Name, s.StartDate.String(), end, s.CreatedAt)
	return err
}

func (r Repo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
}

func (r Repo) GetScheduleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Schedule, error) {
	return scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
}

func (r Repo) ListSchedules(ctx context.Context, userID string) ([]domain.Schedule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE user_id=? ORDER BY start_date, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- activities ---

const activityColumns = `id,title,COALESCE(category,''),COALESCE(description,''),COALESCE(difficulty,''),duration_minutes,created_at`

func scanActivity(row scanner) (domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(&a.ID, &a.Title, &a.Category, &a.Description, &a.Difficulty, &a.DurationMinutes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO activities(id,title,category,description,difficulty,duration_minutes,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Title, nullable(a.Category), nullable(a.Description), nullable(a.Difficulty), a.DurationMinutes, a.CreatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return scanActivity(r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id))
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	return scanActivity(tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id))
}

func (r Repo) ListActivities(ctx context.Context, category string) ([]domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities`
	var args []any
	if category != "" {
		query += ` WHERE category=?`
		args = append(args, category)
	}
	query += ` ORDER BY title, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, userID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, userID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored instant %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatInstant(*t)
}
