package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"collabcore/backend/config"
	"collabcore/backend/internal/broadcast"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/history"
	"collabcore/backend/internal/httpapi"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/ws"
)

func runServe(ctx context.Context, cfg *config.Config) error {
	var gormDB *gorm.DB
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		gormDB = db
	}

	opLog, err := openHistory(cfg, gormDB)
	if err != nil {
		return err
	}
	defer opLog.Close()

	presenceStore, closePresence, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePresence()

	meta, closeMeta, err := openMetadata(cfg)
	if err != nil {
		return err
	}
	defer closeMeta()

	opts := collab.Options{
		Log:            opLog,
		Presence:       presenceStore,
		Hub:            broadcast.NewHub(cfg.Broadcast.QueueSize),
		Metadata:       meta,
		PresenceTTL:    cfg.Presence.TTL,
		MaxInflight:    cfg.Sequencer.MaxInflight,
		AcquireTimeout: cfg.Sequencer.AcquireTimeout,
	}

	// === 初始化 Kafka Producer（可选）===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		// 先于 producer.Close 执行，把队列里的事件发完
		defer dispatcher.Close()
		opts.Audit = dispatcher
	}

	svc := collab.NewService(opts)

	var snapshotter *collab.Snapshotter
	if cfg.Snapshot.Interval > 0 {
		snapshots, err := store.NewSnapshotStore(gormDB)
		if err != nil {
			return err
		}
		snapshotter = collab.NewSnapshotter(opLog, snapshots, svc.Sequencer.Documents)
	}

	manager := ws.NewManager(svc, cfg.Running.SubmitTimeout)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(svc, manager, []byte(cfg.Auth.Secret)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("collab server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// hijack 之后的 websocket 连接不归 http.Server 管，单独关闭
		manager.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		svc.RunSweeper(gctx, cfg.Presence.SweepInterval)
		return nil
	})
	if snapshotter != nil {
		g.Go(func() error {
			snapshotter.Run(gctx, cfg.Snapshot.Interval)
			return nil
		})
	}

	err = g.Wait()
	glog.Infof("collab server stopped: sessions=%d documents=%d", svc.Registry.Len(), len(svc.Sequencer.Documents()))
	return err
}

func openHistory(cfg *config.Config, db *gorm.DB) (history.Log, error) {
	switch cfg.History.Backend {
	case "pebble":
		l, err := history.OpenPebbleLog(history.PebbleOptions{
			DataDir:       cfg.History.DataDir,
			Fsync:         history.FsyncMode(cfg.History.Fsync),
			FsyncInterval: cfg.History.FsyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open pebble history %s: %w", cfg.History.DataDir, err)
		}
		return l, nil
	case "mysql":
		l, err := history.NewMySQLLog(db)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		glog.Warningf("history backend is memory: operations are lost on restart")
		return history.NewMemoryLog(), nil
	}
}

func openPresence(ctx context.Context, cfg *config.Config) (cache.PresenceStore, func(), error) {
	if cfg.Presence.Backend != "redis" {
		return cache.NewMemoryPresence(16), func() {}, nil
	}
	// 一个地址为单机，多个地址为集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %v: %w", cfg.Redis.Addrs, err)
	}
	return cache.NewRedisPresence(rdb), func() { _ = rdb.Close() }, nil
}

func openMetadata(cfg *config.Config) (collab.Metadata, func(), error) {
	if cfg.Mysql.DSN == "" {
		return store.NewMemoryDocuments(cfg.Metadata.Open), func() {}, nil
	}
	db, err := store.OpenSQL(cfg.Mysql.DSN)
	if err != nil {
		return nil, nil, err
	}
	return store.NewCachedMetadata(store.NewDocumentStore(db), cfg.Metadata.CacheTTL), func() { _ = db.Close() }, nil
}
