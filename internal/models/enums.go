package models

import (
	"fmt"
	"time"
)

// CouponStatus is the lifecycle state of an issued coupon.
type CouponStatus int

const (
	StatusUsable  CouponStatus = 1
	StatusUsed    CouponStatus = 2
	StatusExpired CouponStatus = 3
)

// ParseCouponStatus converts a status code into a CouponStatus.
func ParseCouponStatus(code int) (CouponStatus, error) {
	s := CouponStatus(code)
	if !s.Valid() {
		return 0, ErrInvalidArgument.New("unknown coupon status %d", code)
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s CouponStatus) Valid() bool {
	return s == StatusUsable || s == StatusUsed || s == StatusExpired
}

// Terminal reports whether no further transition is allowed from s.
func (s CouponStatus) Terminal() bool {
	return s == StatusUsed || s == StatusExpired
}

// CanTransition reports whether a coupon may move from s to next.
// Only Usable→Used and Usable→Expired are forward moves.
func (s CouponStatus) CanTransition(next CouponStatus) bool {
	return s == StatusUsable && next.Terminal()
}

func (s CouponStatus) String() string {
	switch s {
	case StatusUsable:
		return "usable"
	case StatusUsed:
		return "used"
	case StatusExpired:
		return "expired"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CouponCategory is the pricing class of a template.
type CouponCategory string

const (
	CategoryThreshold  CouponCategory = "001"
	CategoryPercentage CouponCategory = "002"
	CategoryFlat       CouponCategory = "003"
)

// Valid reports whether c is a known category.
func (c CouponCategory) Valid() bool {
	return c == CategoryThreshold || c == CategoryPercentage || c == CategoryFlat
}

// RuleFlag selects a settlement executor.
type RuleFlag string

const (
	RuleFlat                RuleFlag = "flat"
	RuleThreshold           RuleFlag = "threshold"
	RulePercentage          RuleFlag = "percentage"
	RuleThresholdPercentage RuleFlag = "threshold_percentage"
)

// PeriodType discriminates the two expiration policies.
type PeriodType int

const (
	PeriodRegular PeriodType = 1 // absolute deadline
	PeriodShift   PeriodType = 2 // gap days after issuance
)

// ProductLine is the business line a template belongs to.
type ProductLine int

const (
	ProductLineDamao ProductLine = 1
	ProductLineDabao ProductLine = 2
)

// Valid reports whether p is a known product line.
func (p ProductLine) Valid() bool {
	return p == ProductLineDamao || p == ProductLineDabao
}

// DistributeTarget tells whether a template targets one or many users.
type DistributeTarget int

const (
	TargetSingle DistributeTarget = 1
	TargetMulti  DistributeTarget = 2
)

// Valid reports whether t is a known target.
func (t DistributeTarget) Valid() bool {
	return t == TargetSingle || t == TargetMulti
}

// GoodsType is the category of a cart item.
type GoodsType int

const (
	GoodsEntertainment GoodsType = 1
	GoodsFresh         GoodsType = 2
	GoodsHousehold     GoodsType = 3
	GoodsOthers        GoodsType = 4
	GoodsAll           GoodsType = 5
)

// Valid reports whether g is a known goods type.
func (g GoodsType) Valid() bool {
	return g >= GoodsEntertainment && g <= GoodsAll
}

// SharingKey is the canonical key other templates reference in their weight list.
func (t TemplateSDK) SharingKey() string {
	return fmt.Sprintf("%s%04d", t.Key, t.ID)
}

// ExpiresAt returns when a coupon issued at assignTime stops being usable.
func (r TemplateRule) ExpiresAt(assignTime time.Time) time.Time {
	if r.Expiration.Period == PeriodRegular {
		return r.Expiration.Deadline
	}
	return assignTime.AddDate(0, 0, r.Expiration.Gap)
}
