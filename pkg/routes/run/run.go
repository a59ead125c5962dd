package run

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/orchestrator"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

// Runner executes and cancels runs.
type Runner interface {
	ExecuteRun(ctx context.Context, req orchestrator.RunRequest) (*models.Run, error)
	Cancel(ctx context.Context, runID string) bool
	Active() []models.Run
}

// Store reads persisted runs.
type Store interface {
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.Run, error)
}

type Handler struct {
	runner Runner
	store  Store
	logger ectologger.Logger
}

func NewHandler(runner Runner, store Store, logger ectologger.Logger) *Handler {
	return &Handler{runner: runner, store: store, logger: logger}
}

// Register registers run routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.StartRun)
	g.GET("", h.ListRuns)
	g.GET("/:id", h.GetRun)
	g.POST("/:id/cancel", h.CancelRun)
}

// StartRun executes a run and responds with its terminal state. The run is
// detached from the request so a dropped client does not cancel it.
func (h *Handler) StartRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "run.StartRun")
	defer span.End()

	req, err := utils.BindRequest[orchestrator.RunRequest](c)
	if err != nil {
		return err
	}

	run, err := h.runner.ExecuteRun(context.WithoutCancel(ctx), req)
	if run == nil {
		switch {
		case errors.Is(err, checkerrors.ErrRunInProgress):
			return httperror.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		tracing.RecordError(span, err)
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start run")
	}
	if err != nil {
		// the run finished but its record may be stale
		h.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Warn("Run finished but was not persisted")
	}

	return c.JSON(http.StatusOK, run)
}

// GetRun prefers the live snapshot of an active run over the stored row.
func (h *Handler) GetRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "run.GetRun")
	defer span.End()

	id := c.Param("id")
	for _, active := range h.runner.Active() {
		if active.RunID == id {
			return c.JSON(http.StatusOK, active)
		}
	}

	run, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists stored runs, or the runs executing on this replica with ?active=true.
func (h *Handler) ListRuns(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "run.ListRuns")
	defer span.End()

	if active, _ := strconv.ParseBool(c.QueryParam("active")); active {
		return c.JSON(http.StatusOK, h.runner.Active())
	}

	filter := models.RunFilter{
		Status:  models.RunStatus(c.QueryParam("status")),
		Trigger: models.Trigger(c.QueryParam("trigger")),
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	filter.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if filter.Trigger != "" && !filter.Trigger.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown trigger")
	}

	runs, err := h.store.List(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

type CancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

func (h *Handler) CancelRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "run.CancelRun")
	defer span.End()

	id := c.Param("id")
	if !h.runner.Cancel(ctx, id) {
		return httperror.NewHTTPError(http.StatusNotFound, "no active run with id "+id)
	}
	return c.JSON(http.StatusAccepted, CancelResponse{RunID: id, Cancelled: true})
}
