package rule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/rules"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

// OverrideStore edits the dynamic rule layer.
type OverrideStore interface {
	ListRuleOverrides(ctx context.Context) ([]models.RuleOverride, error)
	Upsert(ctx context.Context, o models.RuleOverride) (*models.RuleOverride, error)
	Delete(ctx context.Context, key models.RuleKey) error
}

type Handler struct {
	source    rules.Source
	resolver  *rules.Resolver
	overrides OverrideStore
	logger    ectologger.Logger
}

func NewHandler(source rules.Source, resolver *rules.Resolver, overrides OverrideStore, logger ectologger.Logger) *Handler {
	return &Handler{source: source, resolver: resolver, overrides: overrides, logger: logger}
}

// Register registers rule routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/effective", h.GetEffectiveRules)
	g.GET("/overrides", h.ListOverrides)
	g.PUT("/overrides/:category/:entity/:rule_id", h.PutOverride)
	g.DELETE("/overrides/:category/:entity/:rule_id", h.DeleteOverride)
}

// GetEffectiveRules resolves the rule set the next run would use.
func (h *Handler) GetEffectiveRules(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "rule.GetEffectiveRules")
	defer span.End()

	set, err := rules.Effective(ctx, h.source, h.resolver)
	if err != nil {
		tracing.RecordError(span, err)
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) ListOverrides(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "rule.ListOverrides")
	defer span.End()

	overrides, err := h.overrides.ListRuleOverrides(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overrides)
}

type RuleKeyRequest struct {
	Category models.Category `param:"category" validate:"required,oneof=duplicates relationships required_fields attendance"`
	Entity   string          `param:"entity" validate:"required"`
	RuleID   string          `param:"rule_id" validate:"required"`
}

func (r RuleKeyRequest) Key() models.RuleKey {
	return models.RuleKey{Category: r.Category, Entity: r.Entity, RuleID: r.RuleID}
}

type PutOverrideRequest struct {
	RuleKeyRequest
	// Enabled defaults to true.
	Enabled    *bool           `json:"enabled"`
	Definition json.RawMessage `json:"definition"`
}

// PutOverride stores an override after checking that the rule set still
// resolves with it in place.
func (h *Handler) PutOverride(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "rule.PutOverride")
	defer span.End()

	req, err := utils.BindRequest[PutOverrideRequest](c)
	if err != nil {
		return err
	}

	override := models.RuleOverride{
		Category:   req.Category,
		Entity:     req.Entity,
		RuleID:     req.RuleID,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Definition: req.Definition,
	}
	if user := appctx.GetUserID(ctx); user != "" {
		override.UpdatedBy = &user
	}

	if err := h.check(ctx, override); err != nil {
		return err
	}

	stored, err := h.overrides.Upsert(ctx, override)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stored)
}

func (h *Handler) DeleteOverride(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "rule.DeleteOverride")
	defer span.End()

	req, err := utils.BindRequest[RuleKeyRequest](c)
	if err != nil {
		return err
	}

	if err := h.overrides.Delete(ctx, req.Key()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// check resolves the current layers with candidate swapped in.
func (h *Handler) check(ctx context.Context, candidate models.RuleOverride) error {
	base, overrides, err := h.source.LoadRules(ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to load rules")
	}

	layered := make([]models.RuleOverride, 0, len(overrides)+1)
	for _, o := range overrides {
		if o.Key() != candidate.Key() {
			layered = append(layered, o)
		}
	}
	layered = append(layered, candidate)

	if _, err := h.resolver.Resolve(base, layered); err != nil {
		var cfgErr *checkerrors.ConfigResolutionError
		if errors.As(err, &cfgErr) {
			return httperror.NewHTTPError(http.StatusUnprocessableEntity, cfgErr.Error())
		}
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return nil
}
