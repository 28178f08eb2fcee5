// Package main API Server 入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metal-admin/internal/apiserver/auth"
	"metal-admin/internal/apiserver/server"
	"metal-admin/internal/config"
	"metal-admin/internal/shared/storage/dbutil"
	"metal-admin/internal/shared/storage/driver/postgres"
	"metal-admin/internal/shared/storage/driver/sqlite"
	"metal-admin/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	// 认证配置与管理员引导
	accessTTL, err := time.ParseDuration(cfg.Auth.AccessTokenTTL)
	if err != nil {
		accessTTL = 15 * time.Minute
	}
	authCfg := auth.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		AccessTokenTTL: accessTTL,
	}
	if err := auth.EnsureAdmin(context.Background(), store, cfg.Auth.AdminUser, cfg.Auth.AdminPassword); err != nil {
		log.Fatalf("Failed to bootstrap admin user: %v", err)
	}

	h := server.NewHandler(store, authCfg)
	store.SetRecorder(h.GetMetrics())

	// 节点状态分布采样
	gaugeCtx, gaugeStop := context.WithCancel(context.Background())
	defer gaugeStop()
	h.StartNodeGauge(gaugeCtx, 30*time.Second)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
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
