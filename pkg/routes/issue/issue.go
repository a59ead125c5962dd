package issue

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

// Store is the issue store as seen by the dashboard.
type Store interface {
	Get(ctx context.Context, id string) (*models.Issue, error)
	List(ctx context.Context, filter models.IssueFilter) ([]models.Issue, error)
	UpdateStatus(ctx context.Context, id string, status models.IssueStatus) (*models.Issue, error)
}

type Handler struct {
	store  Store
	logger ectologger.Logger
}

func NewHandler(store Store, logger ectologger.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register registers issue routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListIssues)
	g.GET("/:id", h.GetIssue)
	g.PATCH("/:id", h.UpdateIssueStatus)
}

func (h *Handler) ListIssues(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "issue.ListIssues")
	defer span.End()

	filter := models.IssueFilter{
		RuleID:     c.QueryParam("rule_id"),
		EntityType: c.QueryParam("entity_type"),
		IssueType:  models.IssueType(c.QueryParam("issue_type")),
		Severity:   models.Severity(c.QueryParam("severity")),
		Status:     models.IssueStatus(c.QueryParam("status")),
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	filter.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if filter.Severity != "" && !filter.Severity.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown severity")
	}

	issues, err := h.store.List(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, issues)
}

func (h *Handler) GetIssue(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "issue.GetIssue")
	defer span.End()

	issue, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, issue)
}

// UpdateIssueStatusRequest is the triage body. Resolved and ignored stick
// across runs until the severity of the finding increases.
type UpdateIssueStatusRequest struct {
	ID     string             `param:"id" validate:"required"`
	Status models.IssueStatus `json:"status" validate:"required,oneof=open resolved ignored"`
}

func (h *Handler) UpdateIssueStatus(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "issue.UpdateIssueStatus")
	defer span.End()

	req, err := utils.BindRequest[UpdateIssueStatusRequest](c)
	if err != nil {
		return err
	}

	issue, err := h.store.UpdateStatus(ctx, req.ID, req.Status)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"issue_id": req.ID,
		"status":   req.Status,
		"user_id":  appctx.GetUserID(ctx),
	}).Info("Issue status updated")

	return c.JSON(http.StatusOK, issue)
}
