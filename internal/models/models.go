package models

import "time"

// InvalidCouponID marks the placeholder coupon written into empty cache
// partitions. It is never real data.
const InvalidCouponID = -1

// MinCost is the smallest payable amount a settlement may produce.
const MinCost = 0.1

// Coupon represents a coupon issued to a user.
type Coupon struct {
	ID          int          `json:"id"`
	TemplateID  int          `json:"template_id"`
	UserID      int64        `json:"user_id"`
	CouponCode  string       `json:"coupon_code"`
	AssignTime  time.Time    `json:"assign_time"`
	Status      CouponStatus `json:"status"`
	TemplateSDK *TemplateSDK `json:"template_sdk,omitempty"` // not persisted
}

// InvalidCoupon returns the anti-penetration placeholder.
func InvalidCoupon() Coupon {
	return Coupon{ID: InvalidCouponID}
}

// IsInvalid reports whether c is the placeholder.
func (c Coupon) IsInvalid() bool {
	return c.ID == InvalidCouponID
}

// TemplateSDK is the read-side view of a coupon template that other
// components (distribution, settlement) work with.
type TemplateSDK struct {
	ID          int              `json:"id"`
	Name        string           `json:"name"`
	Logo        string           `json:"logo"`
	Desc        string           `json:"desc"`
	Category    CouponCategory   `json:"category"`
	ProductLine ProductLine      `json:"product_line"`
	Key         string           `json:"key"` // template key without the id suffix
	Target      DistributeTarget `json:"target"`
	Rule        TemplateRule     `json:"rule"`
}

// TemplateRule holds the pricing, expiry and usage rules of a template.
type TemplateRule struct {
	Expiration Expiration `json:"expiration"`
	Discount   Discount   `json:"discount"`
	Limitation int        `json:"limitation"` // max usable coupons per user
	Usage      Usage      `json:"usage"`
	Weight     []string   `json:"weight"` // sharing keys this template may be stacked with
}

// Expiration is either an absolute deadline (PeriodRegular) or a number of
// days after issuance (PeriodShift).
type Expiration struct {
	Period   PeriodType `json:"period"`
	Gap      int        `json:"gap"`
	Deadline time.Time  `json:"deadline"`
}

// Discount holds quota (reduction amount or percentage) and the threshold base.
type Discount struct {
	Quota int `json:"quota"`
	Base  int `json:"base"`
}

// Usage restricts where and on which goods a template applies.
type Usage struct {
	Province  string      `json:"province"`
	City      string      `json:"city"`
	GoodsType []GoodsType `json:"goods_type"`
}

// GoodsInfo is one line of a shopping cart.
type GoodsInfo struct {
	Type  GoodsType `json:"type"`
	Price float64   `json:"price"`
	Count int       `json:"count"`
}

// CouponAndTemplateInfo pairs a selected coupon with its template.
type CouponAndTemplateInfo struct {
	ID       int          `json:"id"`
	Template *TemplateSDK `json:"template"`
}

// SettlementInfo is both the request and the response of a settlement.
type SettlementInfo struct {
	UserID                 int64                   `json:"user_id"`
	GoodsInfos             []GoodsInfo             `json:"goods_infos"`
	CouponAndTemplateInfos []CouponAndTemplateInfo `json:"coupon_and_template_infos"`
	Employ                 bool                    `json:"employ"` // false for a price preview
	Cost                   float64                 `json:"cost"`
}

// TemplateRequest is the payload for building a new coupon template.
type TemplateRequest struct {
	Name        string           `json:"name"`
	Logo        string           `json:"logo"`
	Desc        string           `json:"desc"`
	Category    CouponCategory   `json:"category"`
	ProductLine ProductLine      `json:"product_line"`
	Count       int              `json:"count"`
	UserID      int64            `json:"user_id"` // creator
	Target      DistributeTarget `json:"target"`
	Rule        TemplateRule     `json:"rule"`
}

// Template is the full template record as exposed by the template API.
type Template struct {
	TemplateSDK
	Count      int       `json:"count"`
	CreateTime time.Time `json:"create_time"`
	UserID     int64     `json:"user_id"`
	Available  bool      `json:"available"`
	Expired    bool      `json:"expired"`
}

// AcquireRequest is the payload for claiming a coupon from a template.
type AcquireRequest struct {
	TemplateID int `json:"template_id"`
}

// ReconcileMessage is published when cached coupons move to Used or Expired.
type ReconcileMessage struct {
	ID          string       `json:"id"`
	UserID      int64        `json:"user_id"`
	Status      CouponStatus `json:"status"`
	CouponIDs   []int        `json:"coupon_ids"`
	PublishedAt time.Time    `json:"published_at"`
}

// CouponsResponse lists a user's coupons in one status.
type CouponsResponse struct {
	UserID  int64        `json:"user_id"`
	Status  CouponStatus `json:"status"`
	Coupons []Coupon     `json:"coupons"`
}

// TemplatesResponse lists templates.
type TemplatesResponse struct {
	Templates []TemplateSDK `json:"templates"`
	// Degraded is set when the template source could not be reached.
	Degraded bool `json:"degraded,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
