package imagesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"metal-admin/internal/config"
	"metal-admin/internal/shared/storage"
	"metal-admin/internal/shared/synclock"
	"metal-admin/pkg/logging"
)

// Syncer 周期性地把上游目录同步到本地镜像库
type Syncer struct {
	db      storage.BootResourceStore
	objects ObjectStore
	lock    *synclock.Lock
	cfg     config.ImageSyncConfig
	client  *http.Client
	rec     MetricsRecorder
	log     *logging.Logger
}

// NewSyncer 创建同步器
//
// lock 与 rec 均可为 nil（单实例部署无需互斥；不记录指标）。
func NewSyncer(db storage.BootResourceStore, objects ObjectStore, lock *synclock.Lock, cfg config.ImageSyncConfig, rec MetricsRecorder, log *logging.Logger) *Syncer {
	return &Syncer{
		db:      db,
		objects: objects,
		lock:    lock,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		rec:     rec,
		log:     log,
	}
}

// RunOnce 执行一轮同步
//
// 锁被其他实例持有时立即返回 synclock.ErrAlreadyLocked，不排队等待。
func (s *Syncer) RunOnce(ctx context.Context) error {
	if s.lock != nil {
		if err := s.lock.TryLock(ctx); err != nil {
			if errors.Is(err, synclock.ErrAlreadyLocked) {
				s.log.Info("image sync already running elsewhere, skipping pass")
			}
			return err
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release sync lock failed", "error", err)
			}
		}()
	}

	start := time.Now()
	err := s.runPass(ctx, start)
	if s.rec != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		s.rec.RecordSyncRun(result, time.Since(start))
	}
	return err
}

func (s *Syncer) runPass(ctx context.Context, start time.Time) error {
	store, err := New(ctx, s.db, s.objects, s.rec, s.log)
	if err != nil {
		return err
	}

	total := 0
	for _, source := range s.cfg.Sources {
		n, err := s.syncSource(ctx, store, source)
		if err != nil {
			return fmt.Errorf("sync source %s: %w", source, err)
		}
		total += n
	}

	if err := store.Finalize(ctx, s.cfg.Concurrency); err != nil {
		return err
	}
	s.log.WithDuration(time.Since(start)).Info("image sync pass complete", "products", total)
	return nil
}

// syncSource 把单个目录的全部产品归并进工作集
func (s *Syncer) syncSource(ctx context.Context, store *SyncStore, source string) (int, error) {
	products, err := FetchCatalog(s.client, source)
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		contentURL, err := ContentURL(source, p.Path)
		if err != nil {
			return 0, fmt.Errorf("resolve content url for %s: %w", p.LogName(), err)
		}
		if err := store.Insert(ctx, p, HTTPContentSource(s.client, contentURL)); err != nil {
			return 0, fmt.Errorf("insert %s: %w", p.LogName(), err)
		}
	}
	s.log.Info("catalog merged", "source", source, "products", len(products))
	return len(products), nil
}

// Run 按配置的周期循环同步，直至 ctx 取消
//
// 启动时先跑一轮，之后每个周期一轮。单轮失败只记录，不中断循环。
func (s *Syncer) Run(ctx context.Context) {
	s.runLogged(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, synclock.ErrAlreadyLocked) {
		s.log.WithError(err).Error("image sync pass failed")
	}
}
