package cadencesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Cadence HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Timezone      string `json:"timezone"`
	DefaultNotify bool   `json:"default_notify"`
	CreatedAt     string `json:"created_at"`
}

type Activity struct {
	ID              string `json:"id,omitempty"`
	Title           string `json:"title"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

type Schedule struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ScheduleActivity is a recurring activity on a schedule.
type ScheduleActivity struct {
	ID              string `json:"id"`
	ScheduleID      string `json:"schedule_id"`
	ActivityID      string `json:"activity_id"`
	LocalStartTime  string `json:"local_start_time"`
	Anchor          string `json:"anchor"`
	DurationMinutes int    `json:"duration_minutes"`
	Recurrence      string `json:"recurrence"`
	NotifyDefault   bool   `json:"notify_default"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// NewScheduleActivity is the payload for AddScheduleActivity. Anchor is an
// RFC 3339 instant and Horizon a YYYY-MM-DD date; both are optional.
type NewScheduleActivity struct {
	ID              string `json:"id,omitempty"`
	ActivityID      string `json:"activity_id"`
	LocalStartTime  string `json:"local_start_time"`
	Recurrence      string `json:"recurrence"`
	Anchor          string `json:"anchor,omitempty"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`
	NotifyDefault   *bool  `json:"notify_default,omitempty"`
	Horizon         string `json:"horizon,omitempty"`
}

// ScheduleActivityPatch changes a definition; nil fields are left alone.
type ScheduleActivityPatch struct {
	ActivityID      *string `json:"activity_id,omitempty"`
	LocalStartTime  *string `json:"local_start_time,omitempty"`
	Anchor          *string `json:"anchor,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	Recurrence      *string `json:"recurrence,omitempty"`
	NotifyDefault   *bool   `json:"notify_default,omitempty"`
	PatchOnly       bool    `json:"patch_only,omitempty"`
}

type Instance struct {
	ID                 string  `json:"id"`
	ScheduleActivityID string  `json:"schedule_activity_id"`
	Instant            string  `json:"instant"`
	LocalDate          string  `json:"local_date"`
	Completed          bool    `json:"completed"`
	CompletedAt        string  `json:"completed_at,omitempty"`
	Mood               *string `json:"mood,omitempty"`
	Notes              *string `json:"notes,omitempty"`
	Notify             bool    `json:"notify"`
}

type AgendaEntry struct {
	Instance
	ScheduleID      string `json:"schedule_id"`
	ActivityID      string `json:"activity_id"`
	Title           string `json:"title"`
	LocalStartTime  string `json:"local_start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type AgendaDay struct {
	Date    string        `json:"date"`
	Entries []AgendaEntry `json:"entries"`
}

type Agenda struct {
	Timezone string      `json:"timezone"`
	Start    string      `json:"start"`
	End      string      `json:"end"`
	Days     []AgendaDay `json:"days"`
}

type Materialization struct {
	Created   []Instance `json:"created"`
	Discarded []string   `json:"discarded"`
}

// ScheduleActivityChange is returned by definition writes.
type ScheduleActivityChange struct {
	ScheduleActivity ScheduleActivity `json:"schedule_activity"`
	Materialized     *Materialization `json:"materialized,omitempty"`
	Rescheduled      int              `json:"rescheduled"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateUser registers a user. It needs no credentials.
func (c *Client) CreateUser(ctx context.Context, name, timezone string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", map[string]any{"name": name, "timezone": timezone}, &resp)
	return resp, err
}

// DevLogin exchanges a user id for a bearer token and keeps it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// SetTimezone changes the acting user's zone. Stored instances keep their
// instants until the next regeneration.
func (c *Client) SetTimezone(ctx context.Context, zone string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPatch, "me", map[string]any{"timezone": zone}, &resp)
	return resp, err
}

func (c *Client) CreateActivity(ctx context.Context, a Activity) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodPost, "activities", a, &resp)
	return resp, err
}

// CreateSchedule creates a schedule; endDate may be empty.
func (c *Client) CreateSchedule(ctx context.Context, name, startDate, endDate string) (Schedule, error) {
	body := map[string]any{"name": name, "start_date": startDate}
	if endDate != "" {
		body["end_date"] = endDate
	}
	var resp Schedule
	err := c.do(ctx, http.MethodPost, "schedules", body, &resp)
	return resp, err
}

// AddScheduleActivity adds a recurring activity and materializes it.
func (c *Client) AddScheduleActivity(ctx context.Context, scheduleID string, sa NewScheduleActivity) (ScheduleActivityChange, error) {
	var resp ScheduleActivityChange
	endpoint := fmt.Sprintf("schedules/%s/activities", url.PathEscape(scheduleID))
	err := c.do(ctx, http.MethodPost, endpoint, sa, &resp)
	return resp, err
}

func (c *Client) UpdateScheduleActivity(ctx context.Context, id string, patch ScheduleActivityPatch) (ScheduleActivityChange, error) {
	var resp ScheduleActivityChange
	err := c.do(ctx, http.MethodPatch, "schedule-activities/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) DeleteScheduleActivity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "schedule-activities/"+url.PathEscape(id), nil, nil)
}

// Materialize regenerates one definition; horizon may be empty.
func (c *Client) Materialize(ctx context.Context, id, horizon string) (Materialization, error) {
	body := map[string]any{}
	if horizon != "" {
		body["horizon"] = horizon
	}
	var resp Materialization
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("schedule-activities/%s/materialize", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Agenda returns instances between start and end (inclusive, YYYY-MM-DD).
// Empty bounds use the server defaults.
func (c *Client) Agenda(ctx context.Context, start, end string) (Agenda, error) {
	var resp Agenda
	err := c.do(ctx, http.MethodGet, withQuery("agenda", "start", start, "end", end), nil, &resp)
	return resp, err
}

// AgendaICS returns the agenda as an iCalendar document.
func (c *Client) AgendaICS(ctx context.Context, start, end string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, withQuery("agenda.ics", "start", start, "end", end), nil, &buf)
	return buf.Bytes(), err
}

func (c *Client) CompleteInstance(ctx context.Context, id, mood, notes string) (Instance, error) {
	body := map[string]any{}
	if mood != "" {
		body["mood"] = mood
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("instances/%s/complete", url.PathEscape(id)), body, &resp)
	return resp, err
}

// DueNotifications lists open instances flagged for notification in [from, to).
func (c *Client) DueNotifications(ctx context.Context, from, to time.Time) ([]AgendaEntry, error) {
	var resp []AgendaEntry
	endpoint := withQuery("notifications/due", "from", formatInstant(from), "to", formatInstant(to))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	l := ""
	if limit > 0 {
		l = strconv.Itoa(limit)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", "limit", l, "cursor", cursor), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) base() string {
	basePath := "/" + strings.Trim(c.BasePath, "/")
	if basePath == "/" {
		basePath = ""
	}
	return strings.TrimRight(c.BaseURL, "/") + basePath
}

// withQuery appends the non-empty key/value pairs to endpoint.
func withQuery(endpoint string, kv ...string) string {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
