package domain

import (
	"time"

	"cadence/internal/civil"
)

type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Timezone      string `json:"timezone" example:"America/Los_Angeles"`
	DefaultNotify bool   `json:"default_notify"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Schedule struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Name      string      `json:"name"`
	StartDate civil.Date  `json:"start_date"`
	EndDate   *civil.Date `json:"end_date,omitempty"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

// Activity is a catalog template that schedules reference.
type Activity struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// ScheduleActivity is a recurring activity definition. Anchor seeds the
// recurrence grid and is only ever replaced as a whole.
type ScheduleActivity struct {
	ID              string     `json:"id"`
	ScheduleID      string     `json:"schedule_id"`
	ActivityID      string     `json:"activity_id"`
	LocalStartTime  civil.Time `json:"local_start_time"`
	Anchor          time.Time  `json:"anchor" format:"date-time"`
	DurationMinutes int        `json:"duration_minutes"`
	Recurrence      string     `json:"recurrence" example:"FREQ=WEEKLY;BYDAY=MO,WE,FR"`
	NotifyDefault   bool       `json:"notify_default"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// ActivityInstance is one materialized occurrence. LocalDate is the civil
// date of Instant in the owner's zone when the row was written.
type ActivityInstance struct {
	ID                 string     `json:"id"`
	ScheduleActivityID string     `json:"schedule_activity_id"`
	Instant            time.Time  `json:"instant" format:"date-time"`
	LocalDate          civil.Date `json:"local_date"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" format:"date-time"`
	Mood               *string    `json:"mood,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	Notify             bool       `json:"notify"`
}

// InstanceView is an instance joined with its definition for display.
type InstanceView struct {
	ActivityInstance
	ScheduleID      string     `json:"schedule_id"`
	ActivityID      string     `json:"activity_id"`
	Title           string     `json:"title"`
	LocalStartTime  civil.Time `json:"local_start_time"`
	DurationMinutes int        `json:"duration_minutes"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind" enum:"user,schedule,activity,schedule_activity,instance"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
