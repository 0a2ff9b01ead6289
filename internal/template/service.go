package template

import (
	"context"
	"time"

	"go.uber.org/zap"

	"coupon-service/internal/models"
	"coupon-service/internal/validation"
)

// CodePusher stores generated codes in a template's code pool.
type CodePusher interface {
	Push(ctx context.Context, templateID int, codes []string) error
}

// Submitter runs background work.
type Submitter interface {
	Submit(task func(ctx context.Context)) error
}

// Service builds templates and answers template lookups.
type Service struct {
	store *Store
	codes CodePusher
	pool  Submitter
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a new template service.
func NewService(store *Store, codes CodePusher, pool Submitter, log *zap.Logger) *Service {
	return &Service{
		store: store,
		codes: codes,
		pool:  pool,
		log:   log.Named("template"),
		now:   time.Now,
	}
}

// Build validates and saves a new template, then generates its code pool in
// the background. The template stays unavailable until generation is done.
func (s *Service) Build(ctx context.Context, req models.TemplateRequest) (models.Template, error) {
	req.Name = validation.SanitizeString(req.Name)
	req.Logo = validation.SanitizeString(req.Logo)
	req.Desc = validation.SanitizeString(req.Desc)

	now := s.now().UTC()
	if err := validation.ValidateTemplateRequest(req, now); err != nil {
		return models.Template{}, err
	}

	exists, err := s.store.NameExists(ctx, req.Name)
	if err != nil {
		return models.Template{}, err
	}
	if exists {
		return models.Template{}, models.ErrInvalidArgument.New("template named %q already exists", req.Name)
	}

	r := &record{
		Name:        req.Name,
		Logo:        req.Logo,
		Desc:        req.Desc,
		Category:    string(req.Category),
		ProductLine: int(req.ProductLine),
		Count:       req.Count,
		CreateTime:  now,
		UserID:      req.UserID,
		Key:         Key(req.ProductLine, req.Category, now),
		Target:      int(req.Target),
		Rule:        req.Rule,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return models.Template{}, err
	}

	tpl := r.toModel()
	if err := s.pool.Submit(func(ctx context.Context) { s.generate(ctx, tpl) }); err != nil {
		return models.Template{}, Error.New("failed to schedule code generation for template %d: %v", tpl.ID, err)
	}

	s.log.Info("template created",
		zap.Int("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("count", tpl.Count))

	return tpl, nil
}

func (s *Service) generate(ctx context.Context, tpl models.Template) {
	start := time.Now()

	codes := GenerateCodes(tpl.ProductLine, tpl.Category, tpl.CreateTime, tpl.Count)
	if err := s.codes.Push(ctx, tpl.ID, codes); err != nil {
		s.log.Error("failed to push coupon codes", zap.Int("template_id", tpl.ID), zap.Error(err))
		return
	}
	if err := s.store.MarkAvailable(ctx, tpl.ID); err != nil {
		s.log.Error("failed to mark template available", zap.Int("template_id", tpl.ID), zap.Error(err))
		return
	}

	s.log.Info("template available",
		zap.Int("template_id", tpl.ID),
		zap.Int("codes", len(codes)),
		zap.Duration("took", time.Since(start)))
}

// Info returns one template.
func (s *Service) Info(ctx context.Context, id int) (models.Template, error) {
	return s.store.Get(ctx, id)
}

// List returns every template.
func (s *Service) List(ctx context.Context) ([]models.Template, error) {
	return s.store.List(ctx)
}

// FindAllUsable returns the templates users may claim from.
func (s *Service) FindAllUsable(ctx context.Context) ([]models.TemplateSDK, error) {
	templates, err := s.store.FindUsable(ctx)
	if err != nil {
		return nil, err
	}
	return sdks(templates), nil
}

// FindByIDs returns the templates with the given ids.
func (s *Service) FindByIDs(ctx context.Context, ids []int) ([]models.TemplateSDK, error) {
	templates, err := s.store.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return sdks(templates), nil
}

func sdks(templates []models.Template) []models.TemplateSDK {
	out := make([]models.TemplateSDK, 0, len(templates))
	for _, t := range templates {
		out = append(out, t.TemplateSDK)
	}
	return out
}
