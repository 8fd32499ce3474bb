package main

import (
	"context"
	"fmt"
	"time"

	"expflow/internal/bucket"
	"expflow/internal/changelog"
	"expflow/internal/config"
	"expflow/internal/lease"
	"expflow/internal/metrics"
	"expflow/internal/model"
	"expflow/internal/recordstore"
	"expflow/internal/repository"
	"expflow/internal/service"
	"expflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// app holds everything the commands share. close releases it in reverse
// order of construction.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	observer    metrics.Observer
	hub         *service.Hub
	sync        *service.Synchronizer
	leaser      lease.Leaser
	outboxRepo  *repository.OutboxRepository
	clients     *repository.ServiceClientStore
	experiments *service.ExperimentService
	scheduler   *service.Scheduler

	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, observer: metrics.NewPrometheusObserver()}

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return nil, err
	}
	a.db = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	var store recordstore.Store
	switch cfg.RecordStore.Driver {
	case "memory":
		store = recordstore.NewMemoryStore()
		a.leaser = lease.NewLocalLeaser(cfg.Scheduler.LeaseTTL)
		logger.Warn("using in-memory record store, publications are lost on restart")
	default:
		etcdCli, err := initEtcd(cfg.Etcd)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, etcdCli.Close)
		store = recordstore.NewEtcdStore(etcdCli, cfg.RecordStore.Prefix)
		leaser := lease.NewEtcdLeaser(etcdCli, "/expflow/lease/", cfg.Scheduler.LeaseTTL)
		a.leaser = leaser
		a.closers = append(a.closers, leaser.Close)
	}

	a.hub = service.NewHub(a.observer, cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize, cfg.Stream.HistorySize)
	a.sync = service.NewSynchronizer(store, service.NewReviewStateCache(cfg.RecordStore.CacheTTL), a.observer, service.SyncConfig{
		Bucket:         cfg.RecordStore.Bucket,
		RequestTimeout: cfg.RecordStore.RequestTimeout,
		MaxRetries:     cfg.RecordStore.MaxRetries,
		InitialBackoff: cfg.RecordStore.InitialBackoff,
		MaxBackoff:     cfg.RecordStore.MaxBackoff,
		TotalSlots:     cfg.Bucketing.TotalSlots,
	})

	experimentRepo := repository.NewExperimentRepository(db)
	a.outboxRepo = repository.NewOutboxRepository(db)
	a.clients = repository.NewServiceClientStore(db)

	a.experiments = service.NewExperimentService(
		db,
		experimentRepo,
		a.outboxRepo,
		bucket.NewAllocator(repository.NewBucketRepository(db), cfg.Bucketing.TotalSlots),
		changelog.NewLedger(repository.NewChangeLogRepository(db)),
		a.sync,
		a.hub,
		a.observer,
	)
	a.scheduler = service.NewScheduler(a.experiments, experimentRepo, a.sync, a.leaser, a.observer, service.SchedulerConfig{
		Interval:       cfg.Scheduler.Interval,
		Concurrency:    cfg.Scheduler.Concurrency,
		PublishTimeout: cfg.Scheduler.PublishTimeout,
	})
	return a, nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}
