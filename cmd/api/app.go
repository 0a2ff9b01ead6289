package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coupon-service/internal/cache"
	"coupon-service/internal/config"
	"coupon-service/internal/database"
	"coupon-service/internal/events"
	"coupon-service/internal/features"
	"coupon-service/internal/handler"
	"coupon-service/internal/reconcile"
	"coupon-service/internal/service"
	"coupon-service/internal/settlement"
	"coupon-service/internal/template"
	"coupon-service/internal/workerpool"
)

// consumerApp is the part of the process that applies reconciliation
// messages to the coupon store.
type consumerApp struct {
	db       *database.DB
	rdb      *redis.Client
	channel  events.Channel
	consumer *reconcile.Consumer
}

func newConsumerApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *consumerApp, err error) {
	c := &consumerApp{}
	defer func() {
		if err != nil {
			err = errs.Combine(err, c.Close())
		}
	}()

	c.db, err = database.NewDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Timeout())
	if err != nil {
		return nil, err
	}

	c.rdb, err = cache.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	c.channel = newChannel(cfg.Reconcile, c.rdb, log)
	c.consumer = reconcile.NewConsumer(c.db, log)
	return c, nil
}

// Close releases the store and Redis connections.
func (c *consumerApp) Close() error {
	var group errs.Group
	if c.rdb != nil {
		group.Add(c.rdb.Close())
	}
	if c.db != nil {
		group.Add(c.db.Close())
	}
	return group.Err()
}

// app wires the whole service.
type app struct {
	*consumerApp

	templateDB *gorm.DB
	pool       *workerpool.Pool
	sweeper    *template.Sweeper
	handler    *handler.Handler
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			err = errs.Combine(err, a.Close())
		}
	}()

	a.consumerApp, err = newConsumerApp(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a.templateDB, err = template.Open(cfg.TemplateDatabase)
	if err != nil {
		return nil, err
	}
	templateStore := template.NewStore(a.templateDB, cfg.TemplateDatabase.Timeout())

	a.pool = workerpool.New(cfg.CodePool.Workers, cfg.CodePool.BacklogHint, log)
	codes := cache.NewCodePool(a.rdb, cfg.Database.Timeout())
	templates := template.NewService(templateStore, codes, a.pool, log)
	a.sweeper = template.NewSweeper(templateStore, time.Duration(cfg.Templates.SweepIntervalSeconds)*time.Second, log)

	flags := features.FromConfig(cfg.Features)
	engine := settlement.NewEngine(settlement.DefaultRegistry(flags.Enabled(features.MutualStacking)), log)

	partitions := cache.NewPartitions(a.rdb, cache.PartitionOptions{
		TTLMin:  time.Duration(cfg.Cache.TTLMinSeconds) * time.Second,
		TTLMax:  time.Duration(cfg.Cache.TTLMaxSeconds) * time.Second,
		Timeout: cfg.Database.Timeout(),
	}, log)

	coupons := service.NewService(service.Deps{
		Store:      a.db,
		Partitions: partitions,
		Codes:      codes,
		Templates:  template.NewClient(templates, time.Duration(cfg.Templates.LookupTimeoutMS)*time.Millisecond, log),
		Publisher:  a.channel,
		Engine:     engine,
		Log:        log,
	})

	a.handler = handler.NewHandlerWithOptions(handler.Deps{
		Coupons:   coupons,
		Templates: templates,
		Engine:    engine,
		Features:  flags,
		Log:       log,
	}, handler.NewHandlerOptions{MaxBodySize: cfg.Security.MaxRequestBodySize})

	return a, nil
}

// Close drains the code generation pool and releases every connection.
func (a *app) Close() error {
	var group errs.Group
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		group.Add(a.pool.Shutdown(ctx))
		cancel()
	}
	if a.templateDB != nil {
		if sqlDB, err := a.templateDB.DB(); err == nil {
			group.Add(sqlDB.Close())
		}
	}
	if a.consumerApp != nil {
		group.Add(a.consumerApp.Close())
	}
	return group.Err()
}

func newChannel(cfg config.ReconcileConfig, rdb *redis.Client, log *zap.Logger) events.Channel {
	retry := time.Duration(cfg.RetryMS) * time.Millisecond
	if cfg.Backend == "memory" {
		return events.NewMemory(cfg.Partitions, 0, retry, log)
	}
	return events.NewStream(rdb, events.StreamOptions{
		Prefix:     cfg.StreamPrefix,
		Group:      cfg.Group,
		Consumer:   cfg.Consumer,
		Partitions: cfg.Partitions,
		Block:      time.Duration(cfg.BlockMS) * time.Millisecond,
		Retry:      retry,
		MaxLen:     100000,
	}, log)
}
