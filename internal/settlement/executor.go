package settlement

import (
	"github.com/shopspring/decimal"

	"coupon-service/internal/models"
)

// Executor prices a settlement for one rule flag. Compute receives a
// settlement whose coupons already match Flag and returns the priced copy,
// with the coupon list pruned to the coupons actually applied.
type Executor interface {
	Flag() models.RuleFlag
	Compute(info models.SettlementInfo) models.SettlementInfo
}

var (
	minCost = decimal.NewFromFloat(models.MinCost)
	hundred = decimal.NewFromInt(100)
)

// round2 rounds half away from zero, which is half-up for the non-negative
// amounts priced here.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// goodsSum is the rounded sum of price times count.
func goodsSum(goods []models.GoodsInfo) decimal.Decimal {
	sum := decimal.Zero
	for _, g := range goods {
		sum = sum.Add(decimal.NewFromFloat(g.Price).Mul(decimal.NewFromInt(int64(g.Count))))
	}
	return round2(sum)
}

// payable floors d at the minimum cost and rounds it.
func payable(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(minCost) {
		d = minCost
	}
	return round2(d)
}

// applied returns info priced at cost with the given coupons kept.
func applied(info models.SettlementInfo, cost decimal.Decimal, kept ...models.CouponAndTemplateInfo) models.SettlementInfo {
	info.Cost = cost.InexactFloat64()
	info.CouponAndTemplateInfos = append([]models.CouponAndTemplateInfo{}, kept...)
	return info
}

// fullPrice is the fallback when no coupon applies.
func fullPrice(info models.SettlementInfo, sum decimal.Decimal) models.SettlementInfo {
	return applied(info, sum)
}

func goodsTypes(goods []models.GoodsInfo) map[models.GoodsType]struct{} {
	types := make(map[models.GoodsType]struct{}, len(goods))
	for _, g := range goods {
		types[g.Type] = struct{}{}
	}
	return types
}

// anyGoodsMatch reports whether some goods type is allowed by the template.
func anyGoodsMatch(goods []models.GoodsInfo, t *models.TemplateSDK) bool {
	types := goodsTypes(goods)
	for _, allowed := range t.Rule.Usage.GoodsType {
		if _, ok := types[allowed]; ok {
			return true
		}
	}
	return false
}

// allGoodsCovered reports whether every goods type is allowed by at least
// one of the templates.
func allGoodsCovered(goods []models.GoodsInfo, templates ...*models.TemplateSDK) bool {
	allowed := make(map[models.GoodsType]struct{})
	for _, t := range templates {
		for _, g := range t.Rule.Usage.GoodsType {
			allowed[g] = struct{}{}
		}
	}
	for g := range goodsTypes(goods) {
		if _, ok := allowed[g]; !ok {
			return false
		}
	}
	return true
}

type flatExecutor struct{}

// NewFlat returns the executor for flat reduction coupons.
func NewFlat() Executor { return flatExecutor{} }

func (flatExecutor) Flag() models.RuleFlag { return models.RuleFlat }

func (flatExecutor) Compute(info models.SettlementInfo) models.SettlementInfo {
	sum := goodsSum(info.GoodsInfos)
	ct := info.CouponAndTemplateInfos[0]
	if !anyGoodsMatch(info.GoodsInfos, ct.Template) {
		return fullPrice(info, sum)
	}
	quota := decimal.NewFromInt(int64(ct.Template.Rule.Discount.Quota))
	return applied(info, payable(sum.Sub(quota)), ct)
}

type thresholdExecutor struct{}

// NewThreshold returns the executor for threshold reduction coupons.
func NewThreshold() Executor { return thresholdExecutor{} }

func (thresholdExecutor) Flag() models.RuleFlag { return models.RuleThreshold }

func (thresholdExecutor) Compute(info models.SettlementInfo) models.SettlementInfo {
	sum := goodsSum(info.GoodsInfos)
	ct := info.CouponAndTemplateInfos[0]
	if !anyGoodsMatch(info.GoodsInfos, ct.Template) {
		return fullPrice(info, sum)
	}
	discount := ct.Template.Rule.Discount
	if sum.LessThan(decimal.NewFromInt(int64(discount.Base))) {
		return fullPrice(info, sum)
	}
	return applied(info, payable(sum.Sub(decimal.NewFromInt(int64(discount.Quota)))), ct)
}

type percentageExecutor struct{}

// NewPercentage returns the executor for percentage discount coupons.
func NewPercentage() Executor { return percentageExecutor{} }

func (percentageExecutor) Flag() models.RuleFlag { return models.RulePercentage }

func (percentageExecutor) Compute(info models.SettlementInfo) models.SettlementInfo {
	sum := goodsSum(info.GoodsInfos)
	ct := info.CouponAndTemplateInfos[0]
	if !anyGoodsMatch(info.GoodsInfos, ct.Template) {
		return fullPrice(info, sum)
	}
	rate := decimal.NewFromInt(int64(ct.Template.Rule.Discount.Quota)).Div(hundred)
	return applied(info, payable(sum.Mul(rate)), ct)
}

type thresholdPercentageExecutor struct {
	mutual func() bool
}

// NewThresholdPercentage returns the executor for a threshold coupon stacked
// with a percentage coupon. When mutual reports true, both templates must
// endorse each other; otherwise one side endorsing is enough.
func NewThresholdPercentage(mutual func() bool) Executor {
	if mutual == nil {
		mutual = func() bool { return false }
	}
	return thresholdPercentageExecutor{mutual: mutual}
}

func (thresholdPercentageExecutor) Flag() models.RuleFlag { return models.RuleThresholdPercentage }

func (e thresholdPercentageExecutor) Compute(info models.SettlementInfo) models.SettlementInfo {
	sum := goodsSum(info.GoodsInfos)

	var threshold, percentage models.CouponAndTemplateInfo
	for _, ct := range info.CouponAndTemplateInfos {
		if ct.Template.Category == models.CategoryThreshold {
			threshold = ct
		} else {
			percentage = ct
		}
	}

	if !allGoodsCovered(info.GoodsInfos, threshold.Template, percentage.Template) {
		return fullPrice(info, sum)
	}
	if !Stackable(threshold.Template, percentage.Template, e.mutual()) {
		return fullPrice(info, sum)
	}

	var kept []models.CouponAndTemplateInfo
	target := sum
	discount := threshold.Template.Rule.Discount
	if target.GreaterThanOrEqual(decimal.NewFromInt(int64(discount.Base))) {
		target = target.Sub(decimal.NewFromInt(int64(discount.Quota)))
		kept = append(kept, threshold)
	}
	rate := decimal.NewFromInt(int64(percentage.Template.Rule.Discount.Quota)).Div(hundred)
	target = target.Mul(rate)
	kept = append(kept, percentage)

	return applied(info, payable(target), kept...)
}

// Stackable reports whether two templates may be used in one settlement.
// Each template accepts its own sharing key plus its weight list. By default
// the pair is stackable when either side accepts both keys; with mutual set
// both sides must.
func Stackable(a, b *models.TemplateSDK, mutual bool) bool {
	keys := []string{a.SharingKey(), b.SharingKey()}
	acceptsA := accepts(a, keys)
	acceptsB := accepts(b, keys)
	if mutual {
		return acceptsA && acceptsB
	}
	return acceptsA || acceptsB
}

func accepts(t *models.TemplateSDK, keys []string) bool {
	accepted := map[string]struct{}{t.SharingKey(): {}}
	for _, w := range t.Rule.Weight {
		accepted[w] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := accepted[k]; !ok {
			return false
		}
	}
	return true
}
