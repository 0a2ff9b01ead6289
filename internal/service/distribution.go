package service

import (
	"context"

	"go.uber.org/zap"

	"coupon-service/internal/models"
	"coupon-service/internal/validation"
)

// AvailableTemplates returns the templates a user may still claim from:
// usable, not past their deadline, and below the user's limitation.
func (s *Service) AvailableTemplates(ctx context.Context, userID int64) (models.TemplatesResponse, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return models.TemplatesResponse{}, err
	}

	lookup := s.templates.Usable(ctx)
	if lookup.Degraded {
		return models.TemplatesResponse{Templates: []models.TemplateSDK{}, Degraded: true}, nil
	}

	now := s.now()
	usable, err := s.FindCoupons(ctx, userID, models.StatusUsable)
	if err != nil {
		return models.TemplatesResponse{}, err
	}
	held := make(map[int]int)
	for _, c := range usable {
		held[c.TemplateID]++
	}

	available := make([]models.TemplateSDK, 0, len(lookup.Templates))
	for _, t := range lookup.Templates {
		deadline := t.Rule.Expiration.Deadline
		if !deadline.IsZero() && !deadline.After(now) {
			continue
		}
		if held[t.ID] >= t.Rule.Limitation {
			continue
		}
		available = append(available, t)
	}

	return models.TemplatesResponse{Templates: available}, nil
}

// Acquire issues one coupon of templateID to userID.
func (s *Service) Acquire(ctx context.Context, userID int64, templateID int) (models.Coupon, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return models.Coupon{}, err
	}
	if err := validation.ValidateAcquire(models.AcquireRequest{TemplateID: templateID}); err != nil {
		return models.Coupon{}, err
	}

	lookup := s.templates.Usable(ctx)
	if lookup.Degraded {
		return models.Coupon{}, models.ErrUnavailable.New("template source unavailable, cannot acquire template %d", templateID)
	}
	tpl, ok := lookup.ByID(templateID)
	if !ok {
		return models.Coupon{}, models.ErrNotFound.New("template %d is not available", templateID)
	}

	usable, err := s.FindCoupons(ctx, userID, models.StatusUsable)
	if err != nil {
		return models.Coupon{}, err
	}
	held := 0
	for _, c := range usable {
		if c.TemplateID == templateID {
			held++
		}
	}
	if held >= tpl.Rule.Limitation {
		return models.Coupon{}, models.ErrLimitExceeded.New("user %d already holds %d coupons of template %d", userID, held, templateID)
	}

	code, err := s.codes.Pop(ctx, templateID)
	if err != nil {
		return models.Coupon{}, err
	}

	coupon := models.Coupon{
		TemplateID: templateID,
		UserID:     userID,
		CouponCode: code,
		AssignTime: s.now().UTC(),
		Status:     models.StatusUsable,
	}
	if err := s.store.InsertCoupon(ctx, &coupon); err != nil {
		s.log.Error("coupon code lost, insert failed",
			zap.Int64("user_id", userID),
			zap.Int("template_id", templateID),
			zap.String("coupon_code", code),
			zap.Error(err))
		return models.Coupon{}, err
	}

	coupon.TemplateSDK = &tpl
	if err := s.partitions.AddUsable(ctx, userID, coupon); err != nil {
		// The store has the coupon; dropping the partition makes the next
		// read pick it up from there.
		s.log.Warn("failed to cache acquired coupon",
			zap.Int64("user_id", userID),
			zap.Int("coupon_id", coupon.ID),
			zap.Error(err))
		if err := s.partitions.Invalidate(ctx, userID, models.StatusUsable); err != nil {
			s.log.Error("failed to invalidate usable partition", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	s.log.Info("coupon acquired",
		zap.Int64("user_id", userID),
		zap.Int("template_id", templateID),
		zap.Int("coupon_id", coupon.ID))

	return coupon, nil
}

// Settle prices a settlement with the user's own coupons. The selected
// coupons must be in the user's usable set and are priced with their cached
// templates. With Employ set, the applied coupons are marked used.
func (s *Service) Settle(ctx context.Context, info models.SettlementInfo) (models.SettlementInfo, error) {
	if err := validation.ValidateSettlement(info); err != nil {
		return models.SettlementInfo{}, err
	}

	selected := make([]models.CouponAndTemplateInfo, 0, len(info.CouponAndTemplateInfos))
	for _, ct := range info.CouponAndTemplateInfos {
		if ct.ID != models.InvalidCouponID {
			selected = append(selected, ct)
		}
	}
	info.CouponAndTemplateInfos = selected
	if len(selected) == 0 {
		return s.engine.Compute(info)
	}

	usable, err := s.FindCoupons(ctx, info.UserID, models.StatusUsable)
	if err != nil {
		return models.SettlementInfo{}, err
	}
	byID := make(map[int]models.Coupon, len(usable))
	for _, c := range usable {
		byID[c.ID] = c
	}

	var missing []int
	for i, ct := range selected {
		coupon, ok := byID[ct.ID]
		if !ok {
			return models.SettlementInfo{}, models.ErrNotFound.New("coupon %d is not usable for user %d", ct.ID, info.UserID)
		}
		if coupon.TemplateSDK == nil {
			missing = append(missing, coupon.TemplateID)
			continue
		}
		tpl := *coupon.TemplateSDK
		selected[i].Template = &tpl
	}

	if len(missing) > 0 {
		lookup := s.templates.ByIDs(ctx, missing)
		if lookup.Degraded {
			return models.SettlementInfo{}, models.ErrUnavailable.New("template source unavailable, cannot price settlement")
		}
		for i, ct := range selected {
			if ct.Template != nil {
				continue
			}
			tpl, ok := lookup.ByID(byID[ct.ID].TemplateID)
			if !ok {
				return models.SettlementInfo{}, models.ErrNotFound.New("template %d of coupon %d", byID[ct.ID].TemplateID, ct.ID)
			}
			selected[i].Template = &tpl
		}
	}

	result, err := s.engine.Compute(info)
	if err != nil {
		return models.SettlementInfo{}, err
	}

	if !info.Employ || len(result.CouponAndTemplateInfos) == 0 {
		return result, nil
	}

	applied := make([]models.Coupon, 0, len(result.CouponAndTemplateInfos))
	for _, ct := range result.CouponAndTemplateInfos {
		applied = append(applied, byID[ct.ID])
	}
	if _, err := s.move(ctx, info.UserID, applied, models.StatusUsed); err != nil {
		return models.SettlementInfo{}, err
	}

	s.log.Info("coupons redeemed",
		zap.Int64("user_id", info.UserID),
		zap.Int("coupons", len(applied)),
		zap.Float64("cost", result.Cost))

	return result, nil
}
