package template

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/errs"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coupon-service/internal/config"
	"coupon-service/internal/models"
)

// Error is the class of template source failures.
var Error = errs.Class("template")

// record is the persisted form of a template.
type record struct {
	ID          int    `gorm:"primaryKey;autoIncrement"`
	Available   bool   `gorm:"not null;default:false"`
	Expired     bool   `gorm:"not null;default:false;index"`
	Name        string `gorm:"size:64;not null;uniqueIndex"`
	Logo        string `gorm:"size:256"`
	Desc        string `gorm:"column:intro;size:1024"`
	Category    string `gorm:"size:3;not null"`
	ProductLine int    `gorm:"not null"`
	Count       int    `gorm:"column:coupon_count;not null"`
	CreateTime  time.Time
	UserID      int64               `gorm:"not null"`
	Key         string              `gorm:"column:template_key;size:128"`
	Target      int                 `gorm:"not null"`
	Rule        models.TemplateRule `gorm:"serializer:json"`
}

func (record) TableName() string { return "coupon_template" }

func (r record) toModel() models.Template {
	return models.Template{
		TemplateSDK: models.TemplateSDK{
			ID:          r.ID,
			Name:        r.Name,
			Logo:        r.Logo,
			Desc:        r.Desc,
			Category:    models.CouponCategory(r.Category),
			ProductLine: models.ProductLine(r.ProductLine),
			Key:         r.Key,
			Target:      models.DistributeTarget(r.Target),
			Rule:        r.Rule,
		},
		Count:      r.Count,
		CreateTime: r.CreateTime.UTC(),
		UserID:     r.UserID,
		Available:  r.Available,
		Expired:    r.Expired,
	}
}

// Open connects gorm to the template database and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, Error.New("unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, Error.New("failed to open template database: %v", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, Error.New("failed to migrate template schema: %v", err)
	}

	return db, nil
}

// Store persists templates.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewStore creates a new template store.
func NewStore(db *gorm.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// Create inserts r and fills in its id.
func (s *Store) Create(ctx context.Context, r *record) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	if err := db.Create(r).Error; err != nil {
		return Error.New("failed to create template %q: %v", r.Name, err)
	}
	return nil
}

// NameExists reports whether a template named name exists.
func (s *Store) NameExists(ctx context.Context, name string) (bool, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var count int64
	if err := db.Model(&record{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}

// MarkAvailable flags a template whose code pool is ready.
func (s *Store) MarkAvailable(ctx context.Context, id int) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	if err := db.Model(&record{}).Where("id = ?", id).Update("available", true).Error; err != nil {
		return Error.New("failed to mark template %d available: %v", id, err)
	}
	return nil
}

// Get returns one template.
func (s *Store) Get(ctx context.Context, id int) (models.Template, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var r record
	err := db.First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Template{}, models.ErrNotFound.New("template %d", id)
	}
	if err != nil {
		return models.Template{}, Error.Wrap(err)
	}
	return r.toModel(), nil
}

// List returns every template, newest first.
func (s *Store) List(ctx context.Context) ([]models.Template, error) {
	return s.find(ctx, func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") })
}

// FindUsable returns templates that are available and not expired.
func (s *Store) FindUsable(ctx context.Context) ([]models.Template, error) {
	return s.find(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("available = ? AND expired = ?", true, false).Order("id")
	})
}

// FindByIDs returns the templates with the given ids.
func (s *Store) FindByIDs(ctx context.Context, ids []int) ([]models.Template, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("id IN ?", ids).Order("id") })
}

// FindUnexpired returns templates not yet flagged expired.
func (s *Store) FindUnexpired(ctx context.Context) ([]models.Template, error) {
	return s.find(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("expired = ?", false).Order("id") })
}

// MarkExpired flags the templates with the given ids as expired.
func (s *Store) MarkExpired(ctx context.Context, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()

	res := db.Model(&record{}).Where("id IN ?", ids).Update("expired", true)
	if res.Error != nil {
		return 0, Error.New("failed to expire templates: %v", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) find(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]models.Template, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var records []record
	if err := scope(db).Find(&records).Error; err != nil {
		return nil, Error.Wrap(err)
	}
	templates := make([]models.Template, 0, len(records))
	for _, r := range records {
		templates = append(templates, r.toModel())
	}
	return templates, nil
}
