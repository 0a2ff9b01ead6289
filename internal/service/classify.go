package service

import (
	"time"

	"coupon-service/internal/models"
)

// Classification splits coupons by their effective status.
type Classification struct {
	Usable  []models.Coupon
	Used    []models.Coupon
	Expired []models.Coupon
}

// Classify computes the effective status of each coupon at now. A coupon
// is expired when its status says so or its template's expiry has passed.
// Coupons without a template snapshot cannot expire here. The invalid
// coupon is dropped.
func Classify(coupons []models.Coupon, now time.Time) Classification {
	c := Classification{
		Usable:  []models.Coupon{},
		Used:    []models.Coupon{},
		Expired: []models.Coupon{},
	}
	for _, coupon := range coupons {
		if coupon.IsInvalid() {
			continue
		}
		switch {
		case coupon.Status == models.StatusUsed:
			c.Used = append(c.Used, coupon)
		case coupon.Status == models.StatusExpired || expired(coupon, now):
			c.Expired = append(c.Expired, coupon)
		default:
			c.Usable = append(c.Usable, coupon)
		}
	}
	return c
}

func expired(c models.Coupon, now time.Time) bool {
	if c.TemplateSDK == nil {
		return false
	}
	return !c.TemplateSDK.Rule.ExpiresAt(c.AssignTime).After(now)
}
