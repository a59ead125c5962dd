package rules

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

// Source supplies the two configuration layers for a run.
type Source interface {
	LoadRules(ctx context.Context) (BaseDocument, []models.RuleOverride, error)
}

// OverrideStore is the persisted override layer.
type OverrideStore interface {
	ListRuleOverrides(ctx context.Context) ([]models.RuleOverride, error)
}

type Loader struct {
	logger ectologger.Logger
	path   string
	store  OverrideStore
	// phoneRegion fills settings.phone_region when the document leaves it out.
	phoneRegion string
}

// NewLoader reads the base document from path (embedded defaults when empty)
// and overrides from store, which may be nil.
func NewLoader(logger ectologger.Logger, path string, store OverrideStore) *Loader {
	return &Loader{logger: logger, path: path, store: store}
}

func (l *Loader) WithPhoneRegion(region string) *Loader {
	l.phoneRegion = region
	return l
}

// LoadRules fails only when the base document is unusable. An unavailable
// override store degrades to the base document alone.
func (l *Loader) LoadRules(ctx context.Context) (BaseDocument, []models.RuleOverride, error) {
	base, err := LoadDocument(l.path)
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).Error("failed to load base rule document")
		return BaseDocument{}, nil, &checkerrors.ConfigResolutionError{Err: err}
	}
	if base.Settings.PhoneRegion == "" {
		base.Settings.PhoneRegion = l.phoneRegion
	}

	if l.store == nil {
		return base, nil, nil
	}

	overrides, err := l.store.ListRuleOverrides(ctx)
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).WithField("version", base.Version).
			Warn("rule override store unavailable, using default rules only")
		return base, nil, nil
	}
	return base, overrides, nil
}

// Effective loads both layers and resolves them.
func Effective(ctx context.Context, source Source, resolver *Resolver) (*models.EffectiveRuleSet, error) {
	base, overrides, err := source.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	return resolver.Resolve(base, overrides)
}
