// Package main 镜像同步器入口
//
// 周期性地把上游 simplestreams 目录同步到本地镜像库：
// 数据库记录 + MinIO 对象存储，多实例间用 Redis 锁互斥。
// 带 -once 参数时只跑一轮后退出（配合 cron 使用）。
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"metal-admin/internal/config"
	"metal-admin/internal/imagesync"
	"metal-admin/internal/shared/metrics"
	objstore "metal-admin/internal/shared/minio"
	"metal-admin/internal/shared/storage/dbutil"
	"metal-admin/internal/shared/storage/driver/postgres"
	"metal-admin/internal/shared/storage/driver/sqlite"
	"metal-admin/internal/shared/storage/repository"
	"metal-admin/internal/shared/synclock"
	"metal-admin/pkg/logging"
)

func main() {
	once := flag.Bool("once", false, "run a single sync pass and exit")
	flag.Parse()

	cfg := config.Load()
	logger := logging.Default("image-sync")

	log.Printf("Starting image sync... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if len(cfg.ImageSync.Sources) == 0 {
		log.Fatal("No image sync sources configured")
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	objects, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("Failed to connect to MinIO: %v", err)
	}
	if err := objects.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("Failed to ensure bucket: %v", err)
	}

	hostname, _ := os.Hostname()
	lock, err := synclock.NewFromURL(cfg.RedisURL, cfg.ImageSync.LockKey, hostname)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer lock.Close()

	rec := metrics.New("metal")
	store.SetRecorder(rec)
	syncer := imagesync.NewSyncer(store, objects, lock, cfg.ImageSync, rec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down image sync...")
		cancel()
	}()

	if *once {
		if err := syncer.RunOnce(ctx); err != nil {
			log.Fatalf("Sync pass failed: %v", err)
		}
		return
	}

	// 常驻模式下暴露指标端点
	if cfg.ImageSync.MetricsAddr != "" {
		go serveMetrics(cfg.ImageSync.MetricsAddr)
	}
	syncer.Run(ctx)
}

// serveMetrics 在独立端口上提供 Prometheus 指标
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	log.Printf("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("Metrics server error: %v", err)
	}
}

// openStore 按配置选择数据库驱动并完成迁移
func openStore(cfg *config.Config) (*repository.Store, error) {
	var dialect dbutil.Dialect
	var db *sql.DB
	var err error
	switch cfg.DatabaseDriver {
	case "postgres":
		dialect = postgres.NewDialect()
		db, err = postgres.Open(cfg.DatabaseURL)
	default:
		dialect = sqlite.NewDialect()
		db, err = sqlite.Open(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return repository.NewStore(db, dialect), nil
}
