package validation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"coupon-service/internal/models"
)

const (
	maxNameLength   = 64
	maxTemplateSize = 10000
	maxCartItems    = 200
	maxCount        = 10000
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateTemplateRequest checks a template build request. now is the
// reference time for deadlines.
func ValidateTemplateRequest(req models.TemplateRequest, now time.Time) error {
	if err := requireText(req.Name, "name", maxNameLength); err != nil {
		return err
	}

	if err := requireText(req.Logo, "logo", 256); err != nil {
		return err
	}

	if err := requireText(req.Desc, "desc", 1024); err != nil {
		return err
	}

	if !req.Category.Valid() {
		return &ValidationError{
			Field:   "category",
			Message: fmt.Sprintf("unknown category %q", req.Category),
		}
	}

	if !req.ProductLine.Valid() {
		return &ValidationError{
			Field:   "product_line",
			Message: fmt.Sprintf("unknown product line %d", req.ProductLine),
		}
	}

	if req.Count <= 0 || req.Count > maxTemplateSize {
		return &ValidationError{
			Field:   "count",
			Message: fmt.Sprintf("must be between 1 and %d", maxTemplateSize),
		}
	}

	if err := ValidateUserID(req.UserID); err != nil {
		return err
	}

	if !req.Target.Valid() {
		return &ValidationError{
			Field:   "target",
			Message: fmt.Sprintf("unknown distribute target %d", req.Target),
		}
	}

	return validateRule(req.Category, req.Rule, now)
}

func validateRule(category models.CouponCategory, rule models.TemplateRule, now time.Time) error {
	switch rule.Expiration.Period {
	case models.PeriodRegular:
		if !rule.Expiration.Deadline.After(now) {
			return &ValidationError{
				Field:   "rule.expiration.deadline",
				Message: "must be in the future",
			}
		}
	case models.PeriodShift:
		if rule.Expiration.Gap <= 0 {
			return &ValidationError{
				Field:   "rule.expiration.gap",
				Message: "must be positive",
			}
		}
		if !rule.Expiration.Deadline.IsZero() && !rule.Expiration.Deadline.After(now) {
			return &ValidationError{
				Field:   "rule.expiration.deadline",
				Message: "must be in the future when set",
			}
		}
	default:
		return &ValidationError{
			Field:   "rule.expiration.period",
			Message: fmt.Sprintf("unknown period type %d", rule.Expiration.Period),
		}
	}

	if rule.Discount.Quota <= 0 {
		return &ValidationError{
			Field:   "rule.discount.quota",
			Message: "must be positive",
		}
	}

	if category == models.CategoryPercentage && rule.Discount.Quota > 100 {
		return &ValidationError{
			Field:   "rule.discount.quota",
			Message: "percentage cannot exceed 100",
		}
	}

	if category == models.CategoryThreshold && rule.Discount.Base <= 0 {
		return &ValidationError{
			Field:   "rule.discount.base",
			Message: "must be positive for threshold coupons",
		}
	}

	if rule.Limitation <= 0 {
		return &ValidationError{
			Field:   "rule.limitation",
			Message: "must be positive",
		}
	}

	if len(rule.Usage.GoodsType) == 0 {
		return &ValidationError{
			Field:   "rule.usage.goods_type",
			Message: "is required",
		}
	}

	for i, g := range rule.Usage.GoodsType {
		if !g.Valid() {
			return &ValidationError{
				Field:   fmt.Sprintf("rule.usage.goods_type[%d]", i),
				Message: fmt.Sprintf("unknown goods type %d", g),
			}
		}
	}

	for i, w := range rule.Weight {
		if SanitizeString(w) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("rule.weight[%d]", i),
				Message: "cannot be blank",
			}
		}
	}

	return nil
}

// ValidateSettlement checks a settlement request.
func ValidateSettlement(info models.SettlementInfo) error {
	if err := ValidateUserID(info.UserID); err != nil {
		return err
	}

	if len(info.GoodsInfos) == 0 {
		return &ValidationError{
			Field:   "goods_infos",
			Message: "is required",
		}
	}

	if len(info.GoodsInfos) > maxCartItems {
		return &ValidationError{
			Field:   "goods_infos",
			Message: fmt.Sprintf("cannot contain more than %d items", maxCartItems),
		}
	}

	for i, g := range info.GoodsInfos {
		if !g.Type.Valid() {
			return &ValidationError{
				Field:   fmt.Sprintf("goods_infos[%d].type", i),
				Message: fmt.Sprintf("unknown goods type %d", g.Type),
			}
		}
		if g.Price < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("goods_infos[%d].price", i),
				Message: "must be non-negative",
			}
		}
		if g.Count <= 0 || g.Count > maxCount {
			return &ValidationError{
				Field:   fmt.Sprintf("goods_infos[%d].count", i),
				Message: fmt.Sprintf("must be between 1 and %d", maxCount),
			}
		}
	}

	seen := make(map[int]bool)
	for i, ct := range info.CouponAndTemplateInfos {
		if ct.ID == models.InvalidCouponID {
			continue
		}
		if ct.ID <= 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("coupon_and_template_infos[%d].id", i),
				Message: "must be positive",
			}
		}
		if seen[ct.ID] {
			return &ValidationError{
				Field:   "coupon_and_template_infos",
				Message: fmt.Sprintf("duplicate coupon id: %d", ct.ID),
			}
		}
		seen[ct.ID] = true
	}

	return nil
}

// ValidateAcquire checks an acquire request.
func ValidateAcquire(req models.AcquireRequest) error {
	if req.TemplateID <= 0 {
		return &ValidationError{
			Field:   "template_id",
			Message: "must be positive",
		}
	}
	return nil
}

func ValidateUserID(id int64) error {
	if id <= 0 {
		return &ValidationError{
			Field:   "user_id",
			Message: "must be positive",
		}
	}
	return nil
}

// ParseID parses a positive integer path parameter.
func ParseID(raw, fieldName string) (int64, error) {
	raw = SanitizeString(raw)
	if raw == "" {
		return 0, &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ValidationError{
			Field:   fieldName,
			Message: "must be a positive integer",
		}
	}

	return id, nil
}

// ParseStatus parses a coupon status query value.
func ParseStatus(raw string) (models.CouponStatus, error) {
	raw = SanitizeString(raw)
	if raw == "" {
		return 0, &ValidationError{
			Field:   "status",
			Message: "is required",
		}
	}

	code, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "status",
			Message: "must be 1 (usable), 2 (used) or 3 (expired)",
		}
	}

	status, err := models.ParseCouponStatus(code)
	if err != nil {
		return 0, &ValidationError{
			Field:   "status",
			Message: "must be 1 (usable), 2 (used) or 3 (expired)",
		}
	}

	return status, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func requireText(value, fieldName string, maxLen int) error {
	value = SanitizeString(value)
	if value == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}
	if utf8.RuneCountInString(value) > maxLen {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxLen),
		}
	}
	return nil
}
