package server

import (
	"encoding/json"
	"time"

	"cadence/internal/domain"
	"cadence/internal/engine"
)

// Request payloads. Dates are YYYY-MM-DD, times HH:MM[:SS], instants RFC 3339.

type CreateUserRequest struct {
	ID            *string `json:"id,omitempty"`
	Name          string  `json:"name"`
	Email         string  `json:"email,omitempty"`
	Timezone      string  `json:"timezone,omitempty" example:"America/Los_Angeles"`
	DefaultNotify *bool   `json:"default_notify,omitempty"`
}

type UpdateUserRequest struct {
	Name          *string `json:"name,omitempty"`
	Email         *string `json:"email,omitempty"`
	Timezone      *string `json:"timezone,omitempty" example:"Europe/Paris"`
	DefaultNotify *bool   `json:"default_notify,omitempty"`
}

type CreateActivityRequest struct {
	ID              *string `json:"id,omitempty"`
	Title           string  `json:"title"`
	Category        string  `json:"category,omitempty"`
	Description     string  `json:"description,omitempty"`
	Difficulty      string  `json:"difficulty,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty" minimum:"0"`
}

type CreateScheduleRequest struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name"`
	StartDate string  `json:"start_date" example:"2024-06-01"`
	EndDate   *string `json:"end_date,omitempty" example:"2024-12-31"`
}

type CreateScheduleActivityRequest struct {
	ID              *string `json:"id,omitempty"`
	ActivityID      string  `json:"activity_id"`
	LocalStartTime  string  `json:"local_start_time" example:"07:30"`
	Recurrence      string  `json:"recurrence" example:"FREQ=WEEKLY;BYDAY=MO,WE,FR"`
	Anchor          *string `json:"anchor,omitempty" format:"date-time"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" minimum:"0"`
	NotifyDefault   *bool   `json:"notify_default,omitempty"`
	Horizon         *string `json:"horizon,omitempty" example:"2024-09-01"`
}

type UpdateScheduleActivityRequest struct {
	ActivityID      *string `json:"activity_id,omitempty"`
	LocalStartTime  *string `json:"local_start_time,omitempty" example:"08:00"`
	Anchor          *string `json:"anchor,omitempty" format:"date-time"`
	DurationMinutes *int    `json:"duration_minutes,omitempty" minimum:"0"`
	Recurrence      *string `json:"recurrence,omitempty"`
	NotifyDefault   *bool   `json:"notify_default,omitempty"`
	PatchOnly       bool    `json:"patch_only,omitempty"`
}

type MaterializeRequest struct {
	Horizon *string `json:"horizon,omitempty" example:"2024-09-01"`
}

type CompleteInstanceRequest struct {
	Mood  *string `json:"mood,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

type UpdateInstanceRequest struct {
	Completed *bool   `json:"completed,omitempty"`
	Mood      *string `json:"mood,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Notify    *bool   `json:"notify,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type UserResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Timezone      string `json:"timezone"`
	DefaultNotify bool   `json:"default_notify"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type ScheduleResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ScheduleActivityResponse struct {
	ID              string `json:"id"`
	ScheduleID      string `json:"schedule_id"`
	ActivityID      string `json:"activity_id"`
	LocalStartTime  string `json:"local_start_time"`
	Anchor          string `json:"anchor" format:"date-time"`
	DurationMinutes int    `json:"duration_minutes"`
	Recurrence      string `json:"recurrence"`
	NotifyDefault   bool   `json:"notify_default"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type InstanceResponse struct {
	ID                 string  `json:"id"`
	ScheduleActivityID string  `json:"schedule_activity_id"`
	Instant            string  `json:"instant" format:"date-time"`
	LocalDate          string  `json:"local_date"`
	Completed          bool    `json:"completed"`
	CompletedAt        string  `json:"completed_at,omitempty" format:"date-time"`
	Mood               *string `json:"mood,omitempty"`
	Notes              *string `json:"notes,omitempty"`
	Notify             bool    `json:"notify"`
}

type AgendaEntryResponse struct {
	InstanceResponse
	ScheduleID      string `json:"schedule_id"`
	ActivityID      string `json:"activity_id"`
	Title           string `json:"title"`
	LocalStartTime  string `json:"local_start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type AgendaDayResponse struct {
	Date    string                `json:"date"`
	Entries []AgendaEntryResponse `json:"entries"`
}

type AgendaResponse struct {
	Timezone string              `json:"timezone"`
	Start    string              `json:"start"`
	End      string              `json:"end"`
	Days     []AgendaDayResponse `json:"days"`
}

type MaterializeResponse struct {
	Created   []InstanceResponse `json:"created"`
	Discarded []string           `json:"discarded"`
}

type ScheduleActivityChangeResponse struct {
	ScheduleActivity ScheduleActivityResponse `json:"schedule_activity"`
	Materialized     *MaterializeResponse     `json:"materialized,omitempty"`
	Rescheduled      int                      `json:"rescheduled"`
}

type RegenerateResponse struct {
	Activities int      `json:"activities"`
	Failed     int      `json:"failed"`
	Created    int      `json:"created"`
	Discarded  int      `json:"discarded"`
	Errors     []string `json:"errors,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func userResponse(u domain.User) UserResponse {
	return UserResponse(u)
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func scheduleResponse(s domain.Schedule) ScheduleResponse {
	res := ScheduleResponse{
		ID:        s.ID,
		UserID:    s.UserID,
		Name:      s.Name,
		StartDate: s.StartDate.String(),
		CreatedAt: s.CreatedAt,
	}
	if s.EndDate != nil {
		res.EndDate = s.EndDate.String()
	}
	return res
}

func scheduleActivityResponse(sa domain.ScheduleActivity) ScheduleActivityResponse {
	return ScheduleActivityResponse{
		ID:              sa.ID,
		ScheduleID:      sa.ScheduleID,
		ActivityID:      sa.ActivityID,
		LocalStartTime:  sa.LocalStartTime.String(),
		Anchor:          sa.Anchor.UTC().Format(time.RFC3339),
		DurationMinutes: sa.DurationMinutes,
		Recurrence:      sa.Recurrence,
		NotifyDefault:   sa.NotifyDefault,
		CreatedAt:       sa.CreatedAt,
		UpdatedAt:       sa.UpdatedAt,
	}
}

func instanceResponse(i domain.ActivityInstance) InstanceResponse {
	res := InstanceResponse{
		ID:                 i.ID,
		ScheduleActivityID: i.ScheduleActivityID,
		Instant:            i.Instant.UTC().Format(time.RFC3339),
		LocalDate:          i.LocalDate.String(),
		Completed:          i.Completed,
		Mood:               i.Mood,
		Notes:              i.Notes,
		Notify:             i.Notify,
	}
	if i.CompletedAt != nil {
		res.CompletedAt = i.CompletedAt.UTC().Format(time.RFC3339)
	}
	return res
}

func agendaEntryResponse(v domain.InstanceView) AgendaEntryResponse {
	return AgendaEntryResponse{
		InstanceResponse: instanceResponse(v.ActivityInstance),
		ScheduleID:       v.ScheduleID,
		ActivityID:       v.ActivityID,
		Title:            v.Title,
		LocalStartTime:   v.LocalStartTime.String(),
		DurationMinutes:  v.DurationMinutes,
	}
}

func agendaResponse(a engine.Agenda) AgendaResponse {
	res := AgendaResponse{
		Timezone: a.Zone,
		Start:    a.Start.String(),
		End:      a.End.String(),
		Days:     []AgendaDayResponse{},
	}
	for _, d := range a.Dates() {
		day := AgendaDayResponse{Date: d.String(), Entries: []AgendaEntryResponse{}}
		for _, v := range a.Days[d] {
			day.Entries = append(day.Entries, agendaEntryResponse(v))
		}
		res.Days = append(res.Days, day)
	}
	return res
}

func materializeResponse(r engine.MaterializeResult) MaterializeResponse {
	res := MaterializeResponse{Created: []InstanceResponse{}, Discarded: nonNilSlice(r.Discarded)}
	for _, inst := range r.Created {
		res.Created = append(res.Created, instanceResponse(inst))
	}
	return res
}

func changeResponse(c engine.ScheduleActivityChange) ScheduleActivityChangeResponse {
	res := ScheduleActivityChangeResponse{
		ScheduleActivity: scheduleActivityResponse(c.ScheduleActivity),
		Rescheduled:      c.Rescheduled,
	}
	if c.Materialized != nil {
		m := materializeResponse(*c.Materialized)
		res.Materialized = &m
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		UserID:     e.UserID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapSlice[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
