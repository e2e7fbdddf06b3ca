package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"cadence/internal/civil"
	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo"
	"cadence/internal/tz"
)

// ErrAnchorRequired is returned when a definition's start time changes
// without a replacement anchor.
var ErrAnchorRequired = errors.New("anchor required when local_start_time changes")

// MaterializationConflictError reports that a second instance for the same
// definition and local date was about to be written.
type MaterializationConflictError struct {
	ScheduleActivityID string
	LocalDate          civil.Date
	Err                error
}

func (e MaterializationConflictError) Error() string {
	return fmt.Sprintf("materialization conflict for %s on %s", e.ScheduleActivityID, e.LocalDate)
}

func (e MaterializationConflictError) Unwrap() error { return e.Err }

// ValidationError marks bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Zones  *tz.Resolver
	Logger *slog.Logger
	Now    func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Zones:  &tz.Resolver{},
		Logger: slog.Default(),
		Now:    time.Now,
		locks:  &keyedMutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lock serializes writers of one schedule activity inside this process.
func (e Engine) lock(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(id)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// --- users ---

// UserCreateOptions are parameters for creating a user.
type UserCreateOptions struct {
	ID            string
	Name          string
	Email         string
	Timezone      string
	DefaultNotify mo.Option[bool]
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, ValidationError{Field: "name", Message: "is required"}
	}
	zone := opts.Timezone
	if zone == "" {
		zone = e.Config.Defaults.Timezone
	}
	if err := e.Zones.Validate(zone); err != nil {
		return domain.User{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	u := domain.User{
		ID:            id,
		Name:          strings.TrimSpace(opts.Name),
		Email:         strings.TrimSpace(opts.Email),
		Timezone:      zone,
		DefaultNotify: opts.DefaultNotify.OrElse(e.Config.Defaults.Notify),
		CreatedAt:     e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.UserCreated, u.ID, "user", u.ID, events.EventPayload{"timezone": u.Timezone}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UserUpdateOptions patch a user; nil fields are left alone.
type UserUpdateOptions struct {
	ID            string
	Name          *string
	Email         *string
	Timezone      *string
	DefaultNotify *bool
}

// UpdateUser patches a user. A timezone change does not touch stored
// instances; later regenerations use the new zone.
func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUserTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.User{}, err
	}
	changed := events.EventPayload{}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.User{}, ValidationError{Field: "name", Message: "must not be empty"}
		}
		u.Name = strings.TrimSpace(*opts.Name)
		changed["name"] = u.Name
	}
	if opts.Email != nil {
		u.Email = strings.TrimSpace(*opts.Email)
		changed["email"] = u.Email
	}
	if opts.Timezone != nil && *opts.Timezone != u.Timezone {
		if err := e.Zones.Validate(*opts.Timezone); err != nil {
			return domain.User{}, err
		}
		changed["timezone"] = map[string]string{"from": u.Timezone, "to": *opts.Timezone}
		u.Timezone = *opts.Timezone
	}
	if opts.DefaultNotify != nil {
		u.DefaultNotify = *opts.DefaultNotify
		changed["default_notify"] = u.DefaultNotify
	}
	if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UserUpdated, u.ID, "user", u.ID, changed); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// --- api keys ---

// CreateAPIKey stores a new key for the user and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "cad_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// --- schedules and activities ---

// ScheduleCreateOptions are parameters for creating a schedule.
type ScheduleCreateOptions struct {
	ID        string
	UserID    string
	Name      string
	StartDate civil.Date
	EndDate   mo.Option[civil.Date]
}

func (e Engine) CreateSchedule(ctx context.Context, opts ScheduleCreateOptions) (domain.Schedule, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Schedule{}, ValidationError{Field: "name", Message: "is required"}
	}
	if !opts.StartDate.IsValid() {
		return domain.Schedule{}, ValidationError{Field: "start_date", Message: "is required"}
	}
	s := domain.Schedule{
		ID:        opts.ID,
		UserID:    opts.UserID,
		Name:      strings.TrimSpace(opts.Name),
		StartDate: opts.StartDate,
		CreatedAt: e.stamp(),
	}
	if end, ok := opts.EndDate.Get(); ok {
		if end.Before(opts.StartDate) {
			return domain.Schedule{}, ValidationError{Field: "end_date", Message: "must not precede start_date"}
		}
		s.EndDate = &end
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetUserTx(ctx, tx, opts.UserID); err != nil {
		return domain.Schedule{}, fmt.Errorf("user %s: %w", opts.UserID, err)
	}
	if err := e.Repo.InsertSchedule(ctx, tx, s); err != nil {
		return domain.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ScheduleCreated, s.UserID, "schedule", s.ID, events.EventPayload{"name": s.Name, "start_date": s.StartDate.String()}); err != nil {
		return domain.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

// GetOwnedSchedule returns the schedule when userID owns it.
func (e Engine) GetOwnedSchedule(ctx context.Context, userID, id string) (domain.Schedule, error) {
	s, err := e.Repo.GetSchedule(ctx, id)
	if err != nil {
		return s, err
	}
	if userID != "" && s.UserID != userID {
		return domain.Schedule{}, repo.ErrNotFound
	}
	return s, nil
}

func (e Engine) CreateActivity(ctx context.Context, a domain.Activity, userID string) (domain.Activity, error) {
	if strings.TrimSpace(a.Title) == "" {
		return domain.Activity{}, ValidationError{Field: "title", Message: "is required"}
	}
	if a.DurationMinutes < 0 {
		return domain.Activity{}, ValidationError{Field: "duration_minutes", Message: "must not be negative"}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Title = strings.TrimSpace(a.Title)
	a.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ActivityCreated, userID, "activity", a.ID, events.EventPayload{"title": a.Title}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}
