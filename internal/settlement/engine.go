package settlement

import (
	"go.uber.org/zap"

	"coupon-service/internal/models"
)

// Registry maps rule flags to executors. It is built once and read-only
// afterwards.
type Registry struct {
	executors map[models.RuleFlag]Executor
}

// NewRegistry builds a registry. Two executors for one flag is an error.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[models.RuleFlag]Executor, len(executors))}
	for _, e := range executors {
		if _, dup := r.executors[e.Flag()]; dup {
			return nil, models.ErrInvalidArgument.New("duplicate executor for rule flag %q", e.Flag())
		}
		r.executors[e.Flag()] = e
	}
	return r, nil
}

// DefaultRegistry registers every built-in executor.
func DefaultRegistry(mutualStacking func() bool) *Registry {
	r, err := NewRegistry(
		NewFlat(),
		NewThreshold(),
		NewPercentage(),
		NewThresholdPercentage(mutualStacking),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the executor for flag.
func (r *Registry) Lookup(flag models.RuleFlag) (Executor, bool) {
	e, ok := r.executors[flag]
	return e, ok
}

// Engine prices settlements by dispatching on the categories of the
// selected coupons.
type Engine struct {
	registry *Registry
	log      *zap.Logger
}

// NewEngine creates a new settlement engine.
func NewEngine(registry *Registry, log *zap.Logger) *Engine {
	return &Engine{registry: registry, log: log.Named("settlement")}
}

// Compute prices info. Invalid placeholder coupons are ignored; without any
// coupon the cost is the full goods price.
func (e *Engine) Compute(info models.SettlementInfo) (models.SettlementInfo, error) {
	selected := make([]models.CouponAndTemplateInfo, 0, len(info.CouponAndTemplateInfos))
	for _, ct := range info.CouponAndTemplateInfos {
		if ct.ID == models.InvalidCouponID {
			continue
		}
		if ct.Template == nil {
			return info, models.ErrInvalidArgument.New("coupon %d has no template", ct.ID)
		}
		selected = append(selected, ct)
	}
	info.CouponAndTemplateInfos = selected

	if len(selected) == 0 {
		return fullPrice(info, goodsSum(info.GoodsInfos)), nil
	}

	flag, err := ruleFlag(selected)
	if err != nil {
		return info, err
	}
	executor, ok := e.registry.Lookup(flag)
	if !ok {
		return info, models.ErrUnsupportedCombination.New("no executor for rule flag %q", flag)
	}

	result := executor.Compute(info)
	e.log.Debug("settlement computed",
		zap.Int64("user_id", info.UserID),
		zap.String("rule_flag", string(flag)),
		zap.Int("selected", len(selected)),
		zap.Int("applied", len(result.CouponAndTemplateInfos)),
		zap.Float64("cost", result.Cost))
	return result, nil
}

func ruleFlag(selected []models.CouponAndTemplateInfo) (models.RuleFlag, error) {
	switch len(selected) {
	case 1:
		switch selected[0].Template.Category {
		case models.CategoryFlat:
			return models.RuleFlat, nil
		case models.CategoryThreshold:
			return models.RuleThreshold, nil
		case models.CategoryPercentage:
			return models.RulePercentage, nil
		}
		return "", models.ErrUnsupportedCombination.New("unknown coupon category %q", selected[0].Template.Category)
	case 2:
		a, b := selected[0].Template.Category, selected[1].Template.Category
		if (a == models.CategoryThreshold && b == models.CategoryPercentage) ||
			(a == models.CategoryPercentage && b == models.CategoryThreshold) {
			return models.RuleThresholdPercentage, nil
		}
		return "", models.ErrUnsupportedCombination.New("categories %q and %q cannot be combined", a, b)
	}
	return "", models.ErrUnsupportedCombination.New("%d coupons cannot be combined", len(selected))
}
