package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/source"
	"github.com/jkaninda/cubelink/internal/storage"
	"github.com/jkaninda/okapi"
)

// **** Run request/response types ****

// RunRequest is the JSON body for POST /v1/runs. Either Arguments (the
// "key:value, key:value" form) or the individual source fields are used.
type RunRequest struct {
	Arguments    string `json:"arguments,omitempty"`
	PythonCode   string `json:"python_code,omitempty"`
	CCode        string `json:"c_code,omitempty"`
	UploadedCode string `json:"uploaded_code,omitempty"`
	DemoName     string `json:"demo_name,omitempty"`
	Dialect      string `json:"dialect,omitempty"` // "python" or "cpp". Default: inferred.
	Port         string `json:"port,omitempty"`    // Default: the configured device port.
	DryRun       bool   `json:"dry_run,omitempty"`
}

// RunResponse describes a run.
type RunResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Port           string     `json:"port"`
	Dialect        string     `json:"dialect"`
	Source         string     `json:"source"`
	DemoName       string     `json:"demo_name,omitempty"`
	Status         string     `json:"status"`
	ExecStatus     string     `json:"exec_status"`
	Error          string     `json:"error,omitempty"`
	Instructions   int        `json:"instructions"`
	Truncated      bool       `json:"truncated,omitempty"`
	TransportState string     `json:"transport_state,omitempty"`
	Acked          int        `json:"acked"`
	Recovered      bool       `json:"recovered,omitempty"`
	TransportError string     `json:"transport_error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	TimedOutAt     *time.Time `json:"timed_out_at,omitempty"`

	// Lines is the captured stream, returned for dry runs only.
	Lines []string `json:"lines,omitempty"`
	// WatchURL is where live progress is published.
	WatchURL string `json:"watch_url,omitempty"`
}

func toRunResponse(run *domain.Run) RunResponse {
	return RunResponse{
		ID:             run.ID.String(),
		UserID:         run.UserID,
		Port:           run.Port,
		Dialect:        run.Dialect,
		Source:         run.Source,
		DemoName:       run.DemoName,
		Status:         string(run.Status),
		ExecStatus:     run.ExecStatus,
		Error:          run.ExecMessage,
		Instructions:   run.Instructions,
		Truncated:      run.Truncated,
		TransportState: run.TransportState,
		Acked:          run.Acked,
		Recovered:      run.Recovered,
		TransportError: run.TransportError,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		TimedOutAt:     run.TimedOutAt,
	}
}

// DeviceClearRequest is the JSON body for POST /v1/devices/clear.
type DeviceClearRequest struct {
	Port string `json:"port,omitempty"` // Default: the configured device port.
}

// DeviceClearResponse confirms a clear.
type DeviceClearResponse struct {
	Port   string `json:"port"`
	Status string `json:"status"`
}

// DemoListResponse lists demo names for a dialect.
type DemoListResponse struct {
	Dialect string   `json:"dialect"`
	Demos   []string `json:"demos"`
}

// **** Handlers ****

func (g *Gateway) handleRunSubmit(c *okapi.Context) error {
	userID := c.GetString("userID")
	if userID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}
	if err := g.allow(c, userID); err != nil {
		return err
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	in := source.Input{
		PythonCode:   req.PythonCode,
		CCode:        req.CCode,
		UploadedCode: req.UploadedCode,
		DemoName:     req.DemoName,
	}
	if req.Arguments == "" && in.IsZero() {
		return c.AbortBadRequest("arguments or one of python_code, c_code, uploaded_code, demo_name is required")
	}
	if in.IsZero() {
		in = source.ParseInput(req.Arguments)
	}
	// Demos are only served from the configured directory over HTTP.
	if in.DemoDir != "" {
		return c.AbortBadRequest(source.KeyUploadedFile + " is not accepted by the HTTP API")
	}

	var dialect sandbox.Dialect
	if req.Dialect != "" {
		d, err := sandbox.ParseDialect(req.Dialect)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		dialect = d
	}

	out, err := g.runner.Submit(c.Context(), pipeline.Request{
		UserID:    userID,
		Port:      req.Port,
		Input:     in,
		Arguments: req.Arguments,
		Dialect:   dialect,
		DryRun:    req.DryRun,
	})
	if err != nil {
		if source.IsConfigError(err) {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		}
		g.logger.Error("run submission failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("run submission failed")
	}

	g.logger.Info("run submitted",
		slog.String("user_id", userID),
		slog.String("run_id", out.Run.ID.String()),
		slog.String("exec_status", out.Run.ExecStatus),
		slog.Int("instructions", out.Run.Instructions),
	)

	resp := toRunResponse(out.Run)
	if req.DryRun {
		resp.Lines = instruction.Lines(out.Result.Instructions)
		return c.OK(resp)
	}
	resp.WatchURL = "/v1/runs/" + resp.ID + "/watch"
	return c.JSON(http.StatusAccepted, resp)
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	filter := domain.RunFilter{
		UserID: q.Get("user_id"),
		Port:   q.Get("port"),
		Status: domain.RunStatus(q.Get("status")),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		filter.Limit = limit
	}

	runs, err := g.runs.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}

	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = toRunResponse(&runs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := g.runs.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
		}
		return c.AbortInternalServerError("loading run failed")
	}
	return c.OK(toRunResponse(run))
}

func (g *Gateway) handleDeviceClear(c *okapi.Context) error {
	userID := c.GetString("userID")
	if userID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}
	if err := g.allow(c, userID); err != nil {
		return err
	}

	var req DeviceClearRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	port := req.Port
	if port == "" {
		port = g.runner.DefaultPort()
	}

	if err := g.runner.Clear(c.Context(), port); err != nil {
		if source.IsConfigError(err) {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
		}
		g.logger.Warn("device clear failed",
			slog.String("user_id", userID),
			slog.String("port", port),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
	}

	g.logger.Info("device cleared", slog.String("user_id", userID), slog.String("port", port))
	return c.OK(DeviceClearResponse{Port: port, Status: "cleared"})
}

func (g *Gateway) handleDemoList(c *okapi.Context) error {
	dialect, err := sandbox.ParseDialect(c.Request().URL.Query().Get("dialect"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	demos, err := g.runner.Resolver().Demos(dialect)
	if err != nil {
		g.logger.Error("listing demos failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing demos failed")
	}
	if demos == nil {
		demos = []string{}
	}
	return c.OK(DemoListResponse{Dialect: string(dialect), Demos: demos})
}

// allow applies the per-user rate limit, setting Retry-After when limited.
func (g *Gateway) allow(c *okapi.Context, userID string) error {
	if g.limiter == nil {
		return nil
	}
	wait, err := g.limiter.Reserve(userID)
	if err == nil {
		return nil
	}
	secs := int(math.Ceil(wait.Seconds()))
	c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	return c.AbortTooManyRequests("rate limit exceeded")
}
