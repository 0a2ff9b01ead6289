package template

import (
	"context"
	"time"

	"go.uber.org/zap"

	"coupon-service/internal/models"
)

// Source is the read side of the template service.
type Source interface {
	FindAllUsable(ctx context.Context) ([]models.TemplateSDK, error)
	FindByIDs(ctx context.Context, ids []int) ([]models.TemplateSDK, error)
}

// Lookup is the result of a guarded template lookup. Degraded is set when
// the source failed or timed out; Templates is then empty.
type Lookup struct {
	Templates []models.TemplateSDK
	Degraded  bool
}

// ByID returns the template with id, if the lookup contains it.
func (l Lookup) ByID(id int) (models.TemplateSDK, bool) {
	for _, t := range l.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return models.TemplateSDK{}, false
}

// Client reaches the template source with a bounded timeout and returns a
// degraded empty lookup instead of an error.
type Client struct {
	source  Source
	timeout time.Duration
	log     *zap.Logger
}

// NewClient creates a new guarded template client.
func NewClient(source Source, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{source: source, timeout: timeout, log: log.Named("template-client")}
}

// Usable returns every claimable template.
func (c *Client) Usable(ctx context.Context) Lookup {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	templates, err := c.source.FindAllUsable(ctx)
	if err != nil {
		c.log.Warn("usable template lookup degraded", zap.Error(err))
		return Lookup{Degraded: true}
	}
	return Lookup{Templates: templates}
}

// ByIDs returns the templates with the given ids.
func (c *Client) ByIDs(ctx context.Context, ids []int) Lookup {
	if len(ids) == 0 {
		return Lookup{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	templates, err := c.source.FindByIDs(ctx, ids)
	if err != nil {
		c.log.Warn("template lookup by id degraded", zap.Ints("template_ids", ids), zap.Error(err))
		return Lookup{Degraded: true}
	}
	return Lookup{Templates: templates}
}
