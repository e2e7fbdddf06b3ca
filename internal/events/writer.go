package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	UserCreated             = "user.created"
	UserUpdated             = "user.updated"
	ScheduleCreated         = "schedule.created"
	ActivityCreated         = "activity.created"
	ScheduleActivityCreated = "schedule_activity.created"
	ScheduleActivityUpdated = "schedule_activity.updated"
	ScheduleActivityDeleted = "schedule_activity.deleted"
	InstancesMaterialized   = "instances.materialized"
	InstancesRescheduled    = "instances.rescheduled"
	InstanceCompleted       = "instance.completed"
	InstanceUpdated         = "instance.updated"
)

// Writer appends audit events inside the caller's transaction so the log
// never disagrees with the committed state.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, userID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(userID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
