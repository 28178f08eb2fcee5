package imagesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
	"metal-admin/pkg/logging"
)

// ObjectStore 内容块的对象存储接口
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder 同步指标回调，可为 nil
type MetricsRecorder interface {
	RecordSyncRun(result string, duration time.Duration)
	RecordSyncWrite(bytes int64)
	SetBootResourcesKept(count int)
}

// SyncStore 一次同步过程的工作集
//
// 生命周期与单次同步绑定：创建时快照现有 SYNCED 资源作为删除候选，
// Insert 过程中把目录里仍存在的资源从候选中摘除并积累延迟写入，
// Finalize 按 清理资源 → 落盘内容 → 清理版本集合 的顺序收尾。
// 落盘必须先于集合完整性评估，否则新集合会被当作不完整误删。
type SyncStore struct {
	db      storage.BootResourceStore
	objects ObjectStore
	rec     MetricsRecorder
	log     *logging.Logger

	mu                sync.Mutex
	resourcesToDelete map[string]*model.BootResource // LogName → 资源
	pending           []*pendingWrite
}

type pendingWrite struct {
	file *model.BootResourceFile
	open ContentSource
}

// New 创建同步工作集，快照现有 SYNCED 资源
//
// rec 可为 nil（不记录指标）。
func New(ctx context.Context, db storage.BootResourceStore, objects ObjectStore, rec MetricsRecorder, log *logging.Logger) (*SyncStore, error) {
	existing, err := db.ListBootResourcesByType(ctx, model.BootResourceSynced)
	if err != nil {
		return nil, fmt.Errorf("snapshot synced resources: %w", err)
	}
	candidates := make(map[string]*model.BootResource, len(existing))
	for _, r := range existing {
		candidates[r.LogName()] = r
	}
	return &SyncStore{
		db:                db,
		objects:           objects,
		rec:               rec,
		log:               log,
		resourcesToDelete: candidates,
	}, nil
}

// ============================================================================
// 资源/集合/文件的幂等获取
// ============================================================================

// GetOrCreateBootResource 定位或创建产品对应的资源
//
// 已存在的 SYNCED 资源从删除候选中摘除；GENERATED 资源原地提升为
// SYNCED（提升后不在候选快照里，无需摘除）。
func (s *SyncStore) GetOrCreateBootResource(ctx context.Context, p *Product) (*model.BootResource, error) {
	resource, err := s.db.GetBootResource(ctx, p.Name(), p.Architecture())
	if errors.Is(err, storage.ErrNotFound) {
		resource = &model.BootResource{
			Type:         model.BootResourceSynced,
			Name:         p.Name(),
			Architecture: p.Architecture(),
			Extra:        p.ResourceExtra(),
		}
		if err := s.db.CreateBootResource(ctx, resource); err != nil {
			return nil, err
		}
		return resource, nil
	}
	if err != nil {
		return nil, err
	}

	if resource.Type == model.BootResourceGenerated {
		resource.Type = model.BootResourceSynced
		resource.Extra = p.ResourceExtra()
		if err := s.db.UpdateBootResource(ctx, resource); err != nil {
			return nil, err
		}
		return resource, nil
	}

	s.protect(resource)
	return resource, nil
}

// protect 将资源从本轮删除候选中摘除
func (s *SyncStore) protect(resource *model.BootResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resourcesToDelete, resource.LogName())
}

// GetOrCreateBootResourceSet 定位或创建产品版本对应的集合
func (s *SyncStore) GetOrCreateBootResourceSet(ctx context.Context, resource *model.BootResource, p *Product) (*model.BootResourceSet, error) {
	set, err := s.db.GetBootResourceSet(ctx, resource.ID, p.Version)
	if errors.Is(err, storage.ErrNotFound) {
		set = &model.BootResourceSet{
			ResourceID: resource.ID,
			Version:    p.Version,
			Label:      p.Label,
		}
		if err := s.db.CreateBootResourceSet(ctx, set); err != nil {
			return nil, err
		}
		return set, nil
	}
	return set, err
}

// ============================================================================
// 内容写入（去重）
// ============================================================================

// Insert 把产品归并进本地记录
//
// 内容按校验和寻址：匹配的 LargeFile 直接复用，不重复下载；
// 校验和变化时换绑新块并回收失去引用的旧块。实际下载延迟到
// Finalize，由 open 按需打开。
func (s *SyncStore) Insert(ctx context.Context, p *Product, open ContentSource) error {
	resource, err := s.GetOrCreateBootResource(ctx, p)
	if err != nil {
		return err
	}
	set, err := s.GetOrCreateBootResourceSet(ctx, resource, p)
	if err != nil {
		return err
	}
	_, err = s.GetOrCreateBootResourceFile(ctx, set, p, open)
	return err
}

// GetOrCreateBootResourceFile 定位或创建集合内指定类型的文件记录
//
// 已有记录与产品校验和一致时直接复用（仅续传未完成的下载）；
// 校验和变化时换绑新块并回收失去引用的旧块。
func (s *SyncStore) GetOrCreateBootResourceFile(ctx context.Context, set *model.BootResourceSet, p *Product, open ContentSource) (*model.BootResourceFile, error) {
	file, err := s.db.GetBootResourceFile(ctx, set.ID, p.Filetype)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if file != nil && err == nil {
		current, err := s.db.GetLargeFile(ctx, file.LargeFileID)
		if err != nil {
			return nil, err
		}
		if current.SHA256 == p.SHA256 && current.TotalSize == p.Size {
			// 内容未变：只在之前下载未完成时续传
			if !current.Complete {
				s.SaveContentLater(file, open)
			}
			return file, nil
		}

		// 校验和变化：换绑新块，旧块失去引用后回收
		replacement, err := s.largeFileFor(ctx, p)
		if err != nil {
			return nil, err
		}
		file.LargeFileID = replacement.ID
		file.Filename = p.Filename
		file.Extra = p.FileExtra()
		if err := s.db.UpdateBootResourceFile(ctx, file); err != nil {
			return nil, err
		}
		if err := s.gcLargeFile(ctx, current); err != nil {
			return nil, err
		}
		if !replacement.Complete {
			s.SaveContentLater(file, open)
		}
		return file, nil
	}

	largeFile, err := s.largeFileFor(ctx, p)
	if err != nil {
		return nil, err
	}
	file = &model.BootResourceFile{
		SetID:       set.ID,
		Filename:    p.Filename,
		Filetype:    p.Filetype,
		Extra:       p.FileExtra(),
		LargeFileID: largeFile.ID,
	}
	if err := s.db.CreateBootResourceFile(ctx, file); err != nil {
		return nil, err
	}
	if !largeFile.Complete {
		s.SaveContentLater(file, open)
	}
	return file, nil
}

// largeFileFor 按校验和定位内容块，不存在时创建占位（未完成）
func (s *SyncStore) largeFileFor(ctx context.Context, p *Product) (*model.LargeFile, error) {
	largeFile, err := s.db.GetLargeFileBySHA256(ctx, p.SHA256)
	if err == nil {
		return largeFile, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	largeFile = &model.LargeFile{
		SHA256:    p.SHA256,
		TotalSize: p.Size,
		ObjectKey: model.LargeFileObjectKey(p.SHA256),
	}
	if err := s.db.CreateLargeFile(ctx, largeFile); err != nil {
		return nil, err
	}
	return largeFile, nil
}

// SaveContentLater 登记延迟写入，Finalize 时统一落盘
func (s *SyncStore) SaveContentLater(file *model.BootResourceFile, open ContentSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, &pendingWrite{file: file, open: open})
}

// WriteContent 把内容流入对象存储并校验
//
// 校验失败时自愈：删掉文件记录和残留对象，让下一轮同步重建，
// 绝不留下标记为完整的脏数据。
func (s *SyncStore) WriteContent(ctx context.Context, file *model.BootResourceFile, open ContentSource) error {
	largeFile, err := s.db.GetLargeFile(ctx, file.LargeFileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // 已被并发清理
	}
	if err != nil {
		return err
	}
	if largeFile.Complete {
		return nil
	}

	start := time.Now()
	reader, err := open()
	if err != nil {
		return fmt.Errorf("open content for %s: %w", file.Filename, err)
	}
	defer reader.Close()

	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(reader, hasher)}
	if err := s.objects.Upload(ctx, largeFile.ObjectKey, counted, largeFile.TotalSize); err != nil {
		return fmt.Errorf("upload %s: %w", largeFile.ObjectKey, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != largeFile.SHA256 || counted.n != largeFile.TotalSize {
		s.log.Warn("content verification failed, discarding file",
			"filename", file.Filename, "want_sha256", largeFile.SHA256,
			"got_sha256", digest, "want_size", largeFile.TotalSize, "got_size", counted.n)
		if err := s.db.DeleteBootResourceFile(ctx, file.ID); err != nil {
			return err
		}
		return s.gcLargeFile(ctx, largeFile)
	}

	if err := s.db.MarkLargeFileComplete(ctx, largeFile.ID); err != nil {
		return err
	}
	if s.rec != nil {
		s.rec.RecordSyncWrite(counted.n)
	}
	s.log.SyncLog("write", file.Filename, time.Since(start), nil)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// gcLargeFile 回收失去全部引用的内容块及其对象
func (s *SyncStore) gcLargeFile(ctx context.Context, largeFile *model.LargeFile) error {
	refs, err := s.db.CountLargeFileReferences(ctx, largeFile.ID)
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	if err := s.db.DeleteLargeFile(ctx, largeFile.ID); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, largeFile.ObjectKey); err != nil {
		s.log.Warn("delete orphaned object failed", "key", largeFile.ObjectKey, "error", err)
	}
	return nil
}

// ============================================================================
// 收尾清理
// ============================================================================

// ResourceCleaner 删除目录中已消失的 SYNCED 资源
func (s *SyncStore) ResourceCleaner(ctx context.Context) error {
	s.mu.Lock()
	stale := make([]*model.BootResource, 0, len(s.resourcesToDelete))
	for _, r := range s.resourcesToDelete {
		stale = append(stale, r)
	}
	s.mu.Unlock()

	for _, resource := range stale {
		s.log.WithResource(resource.LogName()).Info("removing stale boot resource")
		if err := s.deleteResource(ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

// ResourceSetCleaner 每个资源只保留最新的完整集合
//
// 不完整集合一律删除；失去全部集合的资源整个删除。
// 仅作用于 SYNCED 资源，手工上传的资源不参与回收。
func (s *SyncStore) ResourceSetCleaner(ctx context.Context) error {
	resources, err := s.db.ListBootResourcesByType(ctx, model.BootResourceSynced)
	if err != nil {
		return err
	}
	surviving := 0
	for _, resource := range resources {
		sets, err := s.db.ListBootResourceSets(ctx, resource.ID) // 新集合在前
		if err != nil {
			return err
		}
		kept := false
		for _, set := range sets {
			complete, err := s.setComplete(ctx, set)
			if err != nil {
				return err
			}
			if complete && !kept {
				kept = true
				continue
			}
			if err := s.deleteSet(ctx, set); err != nil {
				return err
			}
		}
		if !kept {
			s.log.WithResource(resource.LogName()).Info("removing boot resource with no complete set")
			if err := s.deleteResource(ctx, resource); err != nil {
				return err
			}
			continue
		}
		surviving++
	}
	if s.rec != nil {
		s.rec.SetBootResourcesKept(surviving)
	}
	return nil
}

// setComplete 集合至少一个文件且所有内容块均已落盘校验
func (s *SyncStore) setComplete(ctx context.Context, set *model.BootResourceSet) (bool, error) {
	files, err := s.db.ListBootResourceFiles(ctx, set.ID)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	for _, file := range files {
		largeFile, err := s.db.GetLargeFile(ctx, file.LargeFileID)
		if err != nil {
			return false, err
		}
		if !largeFile.Complete {
			return false, nil
		}
	}
	return true, nil
}

// deleteSet 删除集合及其文件，回收失去引用的内容块
func (s *SyncStore) deleteSet(ctx context.Context, set *model.BootResourceSet) error {
	largeFiles, err := s.referencedLargeFiles(ctx, set)
	if err != nil {
		return err
	}
	if err := s.db.DeleteBootResourceSet(ctx, set.ID); err != nil {
		return err
	}
	for _, largeFile := range largeFiles {
		if err := s.gcLargeFile(ctx, largeFile); err != nil {
			return err
		}
	}
	return nil
}

// deleteResource 删除资源及其全部集合
func (s *SyncStore) deleteResource(ctx context.Context, resource *model.BootResource) error {
	sets, err := s.db.ListBootResourceSets(ctx, resource.ID)
	if err != nil {
		return err
	}
	var largeFiles []*model.LargeFile
	for _, set := range sets {
		refs, err := s.referencedLargeFiles(ctx, set)
		if err != nil {
			return err
		}
		largeFiles = append(largeFiles, refs...)
	}
	if err := s.db.DeleteBootResource(ctx, resource.ID); err != nil {
		return err
	}
	for _, largeFile := range largeFiles {
		if err := s.gcLargeFile(ctx, largeFile); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncStore) referencedLargeFiles(ctx context.Context, set *model.BootResourceSet) ([]*model.LargeFile, error) {
	files, err := s.db.ListBootResourceFiles(ctx, set.ID)
	if err != nil {
		return nil, err
	}
	largeFiles := make([]*model.LargeFile, 0, len(files))
	for _, file := range files {
		largeFile, err := s.db.GetLargeFile(ctx, file.LargeFileID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		largeFiles = append(largeFiles, largeFile)
	}
	return largeFiles, nil
}

// performWrite 并发落盘全部延迟写入
//
// 同一内容块只写一次；各写入目标互不相同，可安全并行。
func (s *SyncStore) performWrite(ctx context.Context, concurrency int) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	// 按内容块去重：共享同一块的文件只需要一次下载
	seen := make(map[int64]bool, len(pending))
	unique := pending[:0]
	for _, pw := range pending {
		if seen[pw.file.LargeFileID] {
			continue
		}
		seen[pw.file.LargeFileID] = true
		unique = append(unique, pw)
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, pw := range unique {
		wg.Add(1)
		go func(pw *pendingWrite) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.WriteContent(ctx, pw.file, pw.open); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(pw)
	}
	wg.Wait()
	return firstErr
}

// Finalize 收尾：清理消失的资源 → 落盘内容 → 清理版本集合
func (s *SyncStore) Finalize(ctx context.Context, concurrency int) error {
	if err := s.ResourceCleaner(ctx); err != nil {
		return fmt.Errorf("resource cleaner: %w", err)
	}
	if err := s.performWrite(ctx, concurrency); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	if err := s.ResourceSetCleaner(ctx); err != nil {
		return fmt.Errorf("resource set cleaner: %w", err)
	}
	return nil
}
