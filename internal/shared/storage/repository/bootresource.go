// Package repository 启动镜像资源相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
)

// ============ BootResource ============

// CreateBootResource 创建资源并回填自增 ID
func (s *Store) CreateBootResource(ctx context.Context, r *model.BootResource) error {
	defer s.timed("insert", "boot_resources")()
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	query := s.rebind(`
		INSERT INTO boot_resources (rtype, name, architecture, extra, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		string(r.Type), r.Name, r.Architecture,
		jsonOrDefault(r.Extra, "{}"), r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
	return translateInsertErr(err)
}

// GetBootResource 按 (name, architecture) 获取资源
func (s *Store) GetBootResource(ctx context.Context, name, architecture string) (*model.BootResource, error) {
	defer s.timed("select", "boot_resources")()
	query := s.rebind(`
		SELECT id, rtype, name, architecture, extra, created_at, updated_at
		FROM boot_resources WHERE name = $1 AND architecture = $2
	`)
	return scanBootResource(s.db.QueryRowContext(ctx, query, name, architecture))
}

// ListBootResourcesByType 按来源类型列出资源
func (s *Store) ListBootResourcesByType(ctx context.Context, t model.BootResourceType) ([]*model.BootResource, error) {
	defer s.timed("select", "boot_resources")()
	query := s.rebind(`
		SELECT id, rtype, name, architecture, extra, created_at, updated_at
		FROM boot_resources WHERE rtype = $1 ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*model.BootResource
	for rows.Next() {
		r, err := scanBootResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// UpdateBootResource 更新资源类型和元数据
// 同步时 generated 资源在此原地提升为 synced
func (s *Store) UpdateBootResource(ctx context.Context, r *model.BootResource) error {
	defer s.timed("update", "boot_resources")()
	r.UpdatedAt = time.Now().UTC()
	query := s.rebind(`
		UPDATE boot_resources SET rtype = $1, extra = $2, updated_at = $3 WHERE id = $4
	`)
	result, err := s.db.ExecContext(ctx, query,
		string(r.Type), jsonOrDefault(r.Extra, "{}"), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteBootResource 删除资源（级联删除其集合与文件）
func (s *Store) DeleteBootResource(ctx context.Context, id int64) error {
	defer s.timed("delete", "boot_resources")()
	query := s.rebind(`DELETE FROM boot_resources WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ============ BootResourceSet ============

// CreateBootResourceSet 创建资源集合并回填自增 ID
func (s *Store) CreateBootResourceSet(ctx context.Context, set *model.BootResourceSet) error {
	defer s.timed("insert", "boot_resource_sets")()
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO boot_resource_sets (resource_id, version, label, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		set.ResourceID, set.Version, set.Label, set.CreatedAt).Scan(&set.ID)
	return translateInsertErr(err)
}

// GetBootResourceSet 按 (resource_id, version) 获取集合
func (s *Store) GetBootResourceSet(ctx context.Context, resourceID int64, version string) (*model.BootResourceSet, error) {
	defer s.timed("select", "boot_resource_sets")()
	query := s.rebind(`
		SELECT id, resource_id, version, label, created_at
		FROM boot_resource_sets WHERE resource_id = $1 AND version = $2
	`)
	set := &model.BootResourceSet{}
	err := s.db.QueryRowContext(ctx, query, resourceID, version).Scan(
		&set.ID, &set.ResourceID, &set.Version, &set.Label, &set.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ListBootResourceSets 列出资源的全部集合，新的在前
// 清理器依赖该排序判定「最新完整集合」
func (s *Store) ListBootResourceSets(ctx context.Context, resourceID int64) ([]*model.BootResourceSet, error) {
	defer s.timed("select", "boot_resource_sets")()
	query := s.rebind(`
		SELECT id, resource_id, version, label, created_at
		FROM boot_resource_sets WHERE resource_id = $1 ORDER BY id DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*model.BootResourceSet
	for rows.Next() {
		set := &model.BootResourceSet{}
		if err := rows.Scan(&set.ID, &set.ResourceID, &set.Version, &set.Label, &set.CreatedAt); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// DeleteBootResourceSet 删除集合（级联删除其文件）
func (s *Store) DeleteBootResourceSet(ctx context.Context, id int64) error {
	defer s.timed("delete", "boot_resource_sets")()
	query := s.rebind(`DELETE FROM boot_resource_sets WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ============ BootResourceFile ============

// CreateBootResourceFile 创建文件记录并回填自增 ID
func (s *Store) CreateBootResourceFile(ctx context.Context, f *model.BootResourceFile) error {
	defer s.timed("insert", "boot_resource_files")()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO boot_resource_files (set_id, filename, filetype, extra, largefile_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		f.SetID, f.Filename, f.Filetype, jsonOrDefault(f.Extra, "{}"),
		f.LargeFileID, f.CreatedAt).Scan(&f.ID)
	return translateInsertErr(err)
}

// GetBootResourceFile 按 (set_id, filetype) 获取文件
func (s *Store) GetBootResourceFile(ctx context.Context, setID int64, filetype string) (*model.BootResourceFile, error) {
	defer s.timed("select", "boot_resource_files")()
	query := s.rebind(`
		SELECT id, set_id, filename, filetype, extra, largefile_id, created_at
		FROM boot_resource_files WHERE set_id = $1 AND filetype = $2
	`)
	return scanBootResourceFile(s.db.QueryRowContext(ctx, query, setID, filetype))
}

// GetBootResourceFileByID 按 ID 获取文件
func (s *Store) GetBootResourceFileByID(ctx context.Context, id int64) (*model.BootResourceFile, error) {
	defer s.timed("select", "boot_resource_files")()
	query := s.rebind(`
		SELECT id, set_id, filename, filetype, extra, largefile_id, created_at
		FROM boot_resource_files WHERE id = $1
	`)
	return scanBootResourceFile(s.db.QueryRowContext(ctx, query, id))
}

// ListBootResourceFiles 列出集合内全部文件
func (s *Store) ListBootResourceFiles(ctx context.Context, setID int64) ([]*model.BootResourceFile, error) {
	defer s.timed("select", "boot_resource_files")()
	query := s.rebind(`
		SELECT id, set_id, filename, filetype, extra, largefile_id, created_at
		FROM boot_resource_files WHERE set_id = $1 ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.BootResourceFile
	for rows.Next() {
		f, err := scanBootResourceFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateBootResourceFile 更新文件的内容引用与元数据
func (s *Store) UpdateBootResourceFile(ctx context.Context, f *model.BootResourceFile) error {
	defer s.timed("update", "boot_resource_files")()
	query := s.rebind(`
		UPDATE boot_resource_files SET filename = $1, extra = $2, largefile_id = $3 WHERE id = $4
	`)
	result, err := s.db.ExecContext(ctx, query,
		f.Filename, jsonOrDefault(f.Extra, "{}"), f.LargeFileID, f.ID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteBootResourceFile 删除文件记录
func (s *Store) DeleteBootResourceFile(ctx context.Context, id int64) error {
	defer s.timed("delete", "boot_resource_files")()
	query := s.rebind(`DELETE FROM boot_resource_files WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ============ LargeFile ============

// CreateLargeFile 创建内容块记录并回填自增 ID
// SHA256 唯一，重复插入返回 ErrDuplicate
func (s *Store) CreateLargeFile(ctx context.Context, lf *model.LargeFile) error {
	defer s.timed("insert", "large_files")()
	if lf.CreatedAt.IsZero() {
		lf.CreatedAt = time.Now().UTC()
	}
	if lf.ObjectKey == "" {
		lf.ObjectKey = model.LargeFileObjectKey(lf.SHA256)
	}
	query := s.rebind(`
		INSERT INTO large_files (sha256, total_size, complete, object_key, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		lf.SHA256, lf.TotalSize, lf.Complete, lf.ObjectKey, lf.CreatedAt).Scan(&lf.ID)
	return translateInsertErr(err)
}

// GetLargeFile 按 ID 获取内容块
func (s *Store) GetLargeFile(ctx context.Context, id int64) (*model.LargeFile, error) {
	defer s.timed("select", "large_files")()
	query := s.rebind(`
		SELECT id, sha256, total_size, complete, object_key, created_at
		FROM large_files WHERE id = $1
	`)
	return scanLargeFile(s.db.QueryRowContext(ctx, query, id))
}

// GetLargeFileBySHA256 按校验和获取内容块（去重查找入口）
func (s *Store) GetLargeFileBySHA256(ctx context.Context, sha256 string) (*model.LargeFile, error) {
	defer s.timed("select", "large_files")()
	query := s.rebind(`
		SELECT id, sha256, total_size, complete, object_key, created_at
		FROM large_files WHERE sha256 = $1
	`)
	return scanLargeFile(s.db.QueryRowContext(ctx, query, sha256))
}

// MarkLargeFileComplete 标记内容块写入完成
func (s *Store) MarkLargeFileComplete(ctx context.Context, id int64) error {
	defer s.timed("update", "large_files")()
	query := s.rebind(`UPDATE large_files SET complete = ` +
		s.dialect.BooleanLiteral(true) + ` WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// CountLargeFileReferences 统计引用该内容块的文件数
// 引用数为 0 的块才能被垃圾回收
func (s *Store) CountLargeFileReferences(ctx context.Context, id int64) (int, error) {
	defer s.timed("select", "boot_resource_files")()
	query := s.rebind(`SELECT COUNT(*) FROM boot_resource_files WHERE largefile_id = $1`)
	var count int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&count)
	return count, err
}

// DeleteLargeFile 删除内容块记录
func (s *Store) DeleteLargeFile(ctx context.Context, id int64) error {
	defer s.timed("delete", "large_files")()
	query := s.rebind(`DELETE FROM large_files WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ============ 扫描辅助 ============

func scanBootResource(row rowScanner) (*model.BootResource, error) {
	r := &model.BootResource{}
	var rtype, extra string
	err := row.Scan(&r.ID, &rtype, &r.Name, &r.Architecture, &extra, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Type = model.BootResourceType(rtype)
	r.Extra = json.RawMessage(extra)
	return r, nil
}

func scanBootResourceFile(row rowScanner) (*model.BootResourceFile, error) {
	f := &model.BootResourceFile{}
	var extra string
	err := row.Scan(&f.ID, &f.SetID, &f.Filename, &f.Filetype, &extra, &f.LargeFileID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Extra = json.RawMessage(extra)
	return f, nil
}

func scanLargeFile(row rowScanner) (*model.LargeFile, error) {
	lf := &model.LargeFile{}
	err := row.Scan(&lf.ID, &lf.SHA256, &lf.TotalSize, &lf.Complete, &lf.ObjectKey, &lf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lf, nil
}
