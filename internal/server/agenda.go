package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"cadence/internal/civil"
	"cadence/internal/engine"
	"cadence/internal/export"
)

// defaultAgendaDays is the span served when end is omitted.
const defaultAgendaDays = 7

type agendaQuery struct {
	Start string `query:"start" doc:"First local date (YYYY-MM-DD); defaults to today in the user's zone"`
	End   string `query:"end" doc:"Last local date, inclusive; defaults to start plus six days"`
}

// agendaFor resolves the query window in the owner's zone and loads it.
func agendaFor(ctx context.Context, e engine.Engine, q agendaQuery) (engine.Agenda, error) {
	owner, err := currentUser(ctx, e)
	if err != nil {
		return engine.Agenda{}, err
	}
	var start civil.Date
	if strings.TrimSpace(q.Start) == "" {
		start, err = e.Today(owner)
	} else {
		start, err = parseDateField("start", q.Start)
	}
	if err != nil {
		return engine.Agenda{}, handleError(err)
	}
	end := start.AddDays(defaultAgendaDays - 1)
	if strings.TrimSpace(q.End) != "" {
		if end, err = parseDateField("end", q.End); err != nil {
			return engine.Agenda{}, handleError(err)
		}
	}
	agenda, err := e.GetSchedule(ctx, owner, start, end)
	if err != nil {
		return engine.Agenda{}, handleError(err)
	}
	return agenda, nil
}

func registerAgenda(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agenda",
		Method:      http.MethodGet,
		Path:        "/agenda",
		Summary:     "Instances grouped by local date",
		Description: "Dates are interpreted in the user's current zone; each day is ordered by local start time.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *agendaQuery) (*bodyOut[AgendaResponse], error) {
		agenda, err := agendaFor(ctx, e, *input)
		if err != nil {
			return nil, err
		}
		return out(agendaResponse(agenda)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agenda-ics",
		Method:      http.MethodGet,
		Path:        "/agenda.ics",
		Summary:     "Agenda as an iCalendar feed",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *agendaQuery) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		agenda, err := agendaFor(ctx, e, *input)
		if err != nil {
			return nil, err
		}
		data, err := export.AgendaBytes(agenda, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/calendar; charset=utf-8", Body: data}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "due-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/due",
		Summary:     "Open instances flagged for notification",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		From string `query:"from" doc:"RFC 3339 instant; defaults to now"`
		To   string `query:"to" doc:"RFC 3339 instant, exclusive; defaults to from plus 24h"`
	}) (*bodyOut[[]AgendaEntryResponse], error) {
		owner, err := currentUser(ctx, e)
		if err != nil {
			return nil, err
		}
		from := time.Now().UTC()
		if input.From != "" {
			if from, err = parseInstantField("from", input.From); err != nil {
				return nil, handleError(err)
			}
		}
		to := from.Add(24 * time.Hour)
		if input.To != "" {
			if to, err = parseInstantField("to", input.To); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := e.DueNotifications(ctx, owner, from, to)
		if err != nil {
			return nil, handleError(err)
		}
		return out(mapSlice(items, agendaEntryResponse)), nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{id}/complete",
		Summary:     "Mark an instance completed",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body *CompleteInstanceRequest `required:"false"`
	}) (*bodyOut[InstanceResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var mood, notes *string
		if input.Body != nil {
			mood, notes = input.Body.Mood, input.Body.Notes
		}
		inst, err := e.CompleteInstance(ctx, userID, input.ID, mood, notes)
		if err != nil {
			return nil, handleError(err)
		}
		return out(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-instance",
		Method:      http.MethodPatch,
		Path:        "/instances/{id}",
		Summary:     "Update per-occurrence state",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateInstanceRequest
	}) (*bodyOut[InstanceResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.UpdateInstance(ctx, engine.InstanceUpdateOptions{
			ID:        input.ID,
			UserID:    userID,
			Completed: input.Body.Completed,
			Mood:      input.Body.Mood,
			Notes:     input.Body.Notes,
			Notify:    input.Body.Notify,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(instanceResponse(inst)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List my recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOut[paginatedEvents], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, userID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, mapSlice(items, eventResponse)...)
		return out(resp), nil
	})
}
