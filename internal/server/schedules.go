package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/samber/mo"

	"cadence/internal/domain"
	"cadence/internal/engine"
)

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Create catalog activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest
	}) (*bodyOut[ActivityResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateActivity(ctx, domain.Activity{
			ID:              stringValue(input.Body.ID),
			Title:           input.Body.Title,
			Category:        input.Body.Category,
			Description:     input.Body.Description,
			Difficulty:      input.Body.Difficulty,
			DurationMinutes: input.Body.DurationMinutes,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(activityResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List catalog activities",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*bodyOut[[]ActivityResponse], error) {
		items, err := e.Repo.ListActivities(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return out(mapSlice(items, activityResponse)), nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Create schedule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateScheduleRequest
	}) (*bodyOut[ScheduleResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		start, err := parseDateField("start_date", input.Body.StartDate)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := parseOptionalDate("end_date", input.Body.EndDate)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.CreateSchedule(ctx, engine.ScheduleCreateOptions{
			ID:        stringValue(input.Body.ID),
			UserID:    userID,
			Name:      input.Body.Name,
			StartDate: start,
			EndDate:   end,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(scheduleResponse(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List my schedules",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[[]ScheduleResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSchedules(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(mapSlice(items, scheduleResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOut[ScheduleResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetOwnedSchedule(ctx, userID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(scheduleResponse(s)), nil
	})
}

func registerScheduleActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule-activity",
		Method:        http.MethodPost,
		Path:          "/schedules/{id}/activities",
		Summary:       "Add a recurring activity to a schedule",
		Description:   "Validates the recurrence rule, fixes the anchor and materializes instances up to the horizon.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateScheduleActivityRequest
	}) (*bodyOut[ScheduleActivityChangeResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		start, err := parseTimeField("local_start_time", input.Body.LocalStartTime)
		if err != nil {
			return nil, handleError(err)
		}
		horizon, err := parseOptionalDate("horizon", input.Body.Horizon)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.ScheduleActivityCreateOptions{
			ID:             stringValue(input.Body.ID),
			UserID:         userID,
			ScheduleID:     input.ID,
			ActivityID:     input.Body.ActivityID,
			LocalStartTime: start,
			Recurrence:     input.Body.Recurrence,
			Horizon:        horizon,
		}
		if input.Body.Anchor != nil {
			anchor, err := parseInstantField("anchor", *input.Body.Anchor)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Anchor = mo.Some(anchor)
		}
		if input.Body.DurationMinutes != nil {
			opts.DurationMinutes = mo.Some(*input.Body.DurationMinutes)
		}
		if input.Body.NotifyDefault != nil {
			opts.NotifyDefault = mo.Some(*input.Body.NotifyDefault)
		}
		change, err := e.CreateScheduleActivity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return out(changeResponse(change)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedule-activities",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}/activities",
		Summary:     "List the recurring activities of a schedule",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOut[[]ScheduleActivityResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetOwnedSchedule(ctx, userID, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListScheduleActivities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(mapSlice(items, scheduleActivityResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-schedule-activity",
		Method:      http.MethodPatch,
		Path:        "/schedule-activities/{id}",
		Summary:     "Update a recurring activity",
		Description: "Rule and anchor changes regenerate instances from today. A start-time change needs a new anchor; " +
			"with patch_only it moves open future instances instead.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateScheduleActivityRequest
	}) (*bodyOut[ScheduleActivityChangeResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ScheduleActivityUpdateOptions{
			ID:              input.ID,
			UserID:          userID,
			ActivityID:      input.Body.ActivityID,
			DurationMinutes: input.Body.DurationMinutes,
			Recurrence:      input.Body.Recurrence,
			NotifyDefault:   input.Body.NotifyDefault,
			PatchOnly:       input.Body.PatchOnly,
		}
		if input.Body.LocalStartTime != nil {
			start, err := parseTimeField("local_start_time", *input.Body.LocalStartTime)
			if err != nil {
				return nil, handleError(err)
			}
			opts.LocalStartTime = &start
		}
		if input.Body.Anchor != nil {
			anchor, err := parseInstantField("anchor", *input.Body.Anchor)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Anchor = &anchor
		}
		change, err := e.UpdateScheduleActivity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return out(changeResponse(change)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-schedule-activity",
		Method:        http.MethodDelete,
		Path:          "/schedule-activities/{id}",
		Summary:       "Delete a recurring activity and its instances",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteScheduleActivity(ctx, userID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "materialize-schedule-activity",
		Method:      http.MethodPost,
		Path:        "/schedule-activities/{id}/materialize",
		Summary:     "Regenerate instances of one recurring activity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *MaterializeRequest `required:"false"`
	}) (*bodyOut[MaterializeResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.MaterializeOptions
		if input.Body != nil {
			horizon, err := parseOptionalDate("horizon", input.Body.Horizon)
			if err != nil {
				return nil, handleError(err)
			}
			opts.Horizon = horizon
		}
		res, err := e.MaterializeScheduleActivity(ctx, userID, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return out(materializeResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate",
		Method:      http.MethodPost,
		Path:        "/regenerate",
		Summary:     "Regenerate every recurring activity of the current user",
		Description: "A failing activity is reported in errors and does not stop the pass.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[RegenerateResponse], error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := e.RegenerateAll(ctx, userID)
		res := RegenerateResponse{
			Activities: summary.Activities,
			Failed:     summary.Failed,
			Created:    summary.Created,
			Discarded:  summary.Discarded,
		}
		if err != nil {
			if summary.Activities == 0 {
				return nil, handleError(err)
			}
			res.Errors = joinedMessages(err)
		}
		return out(res), nil
	})
}

// joinedMessages flattens an errors.Join result.
func joinedMessages(err error) []string {
	var multi interface{ Unwrap() []error }
	if errors.As(err, &multi) {
		msgs := make([]string, 0, len(multi.Unwrap()))
		for _, e := range multi.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
