package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/cubelink/internal/scheduler"
	"github.com/jkaninda/okapi"
)

// ScheduleResponse is the JSON response for schedule endpoints.
type ScheduleResponse struct {
	Name      string     `json:"name"`
	Spec      string     `json:"spec"`
	Port      string     `json:"port,omitempty"`
	Dialect   string     `json:"dialect"`
	Demo      string     `json:"demo"`
	Running   bool       `json:"running"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastRunID string     `json:"last_run_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func toScheduleResponse(js scheduler.JobStatus) ScheduleResponse {
	resp := ScheduleResponse{
		Name:      js.Name,
		Spec:      js.Spec,
		Port:      js.Port,
		Dialect:   js.Dialect,
		Demo:      js.Demo,
		Running:   js.Running,
		NextRunAt: js.NextRunAt,
		LastRunAt: js.LastRunAt,
		LastError: js.LastError,
	}
	if js.LastRunAt != nil {
		resp.LastRunID = js.LastRunID.String()
	}
	return resp
}

func (g *Gateway) handleScheduleList(c *okapi.Context) error {
	jobs := g.scheduler.Jobs()
	resp := make([]ScheduleResponse, len(jobs))
	for i, js := range jobs {
		resp[i] = toScheduleResponse(js)
	}
	return c.OK(resp)
}

// handleScheduleTrigger plays a schedule's demo now. The run goes through
// the scheduler so overlap rules and metrics apply; it is not rate limited.
func (g *Gateway) handleScheduleTrigger(c *okapi.Context) error {
	userID := c.GetString("userID")
	if userID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	name := c.Param("name")
	var job *scheduler.JobStatus
	for _, js := range g.scheduler.Jobs() {
		if js.Name == name {
			job = &js
			break
		}
	}
	if job == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "schedule not found"})
	}
	if job.Running {
		return c.JSON(http.StatusConflict, ErrorBody{Error: "schedule is already running"})
	}

	g.logger.Info("schedule triggered manually",
		slog.String("user_id", userID),
		slog.String("name", name),
	)

	ctx := context.WithoutCancel(c.Context())
	g.triggers.Add(1)
	go func() {
		defer g.triggers.Done()
		if _, err := g.scheduler.Trigger(ctx, name); err != nil {
			g.logger.Warn("manual trigger failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}
	}()

	resp := toScheduleResponse(*job)
	resp.Running = true
	return c.JSON(http.StatusAccepted, resp)
}
