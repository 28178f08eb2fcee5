// Package model 启动镜像资源
//
// bootresource.go 包含 simplestreams 同步子系统的数据模型：
//   - BootResource：每个 os/release + arch/subarch 组合一条
//   - BootResourceSet：资源的一个已同步版本
//   - BootResourceFile：版本内的单个文件
//   - LargeFile：按校验和寻址的内容块，跨文件共享（去重）
package model

import (
	"encoding/json"
	"time"
)

// BootResourceType 资源来源类型
type BootResourceType string

const (
	// BootResourceSynced 从上游 simplestreams 目录同步而来
	BootResourceSynced BootResourceType = "synced"

	// BootResourceGenerated 本地生成（同步时会原地提升为 synced）
	BootResourceGenerated BootResourceType = "generated"

	// BootResourceUploaded 管理员手工上传，不参与同步清理
	BootResourceUploaded BootResourceType = "uploaded"
)

// BootResource 启动镜像资源
//
// 唯一键：(Name, Architecture)。Name 形如 "ubuntu/trusty"，
// Architecture 形如 "amd64/generic"。
type BootResource struct {
	ID           int64            `json:"id" db:"id"`
	Type         BootResourceType `json:"rtype" db:"rtype"`
	Name         string           `json:"name" db:"name"`
	Architecture string           `json:"architecture" db:"architecture"`
	Extra        json.RawMessage  `json:"extra,omitempty" db:"extra"` // kflavor、subarches 等产品元数据
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// LogName 返回 "os/arch/subarch/release" 形式的日志标识
func (r *BootResource) LogName() string {
	osName, release := splitPair(r.Name)
	arch, subarch := splitPair(r.Architecture)
	return osName + "/" + arch + "/" + subarch + "/" + release
}

// splitPair 切分 "a/b" 形式的名称
func splitPair(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// BootResourceSet 资源的一个已同步版本
//
// 唯一键：(ResourceID, Version)。
// 完整性：集合内至少一个文件，且所有文件内容均已落盘并通过校验。
// 每个资源最终只保留最新的一个完整集合。
type BootResourceSet struct {
	ID         int64     `json:"id" db:"id"`
	ResourceID int64     `json:"resource_id" db:"resource_id"`
	Version    string    `json:"version" db:"version"`
	Label      string    `json:"label" db:"label"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// BootResourceFile 版本内的单个文件
//
// 唯一键：(SetID, Filetype)。内容通过 LargeFileID 引用共享块。
type BootResourceFile struct {
	ID          int64           `json:"id" db:"id"`
	SetID       int64           `json:"set_id" db:"set_id"`
	Filename    string          `json:"filename" db:"filename"`
	Filetype    string          `json:"filetype" db:"filetype"`
	Extra       json.RawMessage `json:"extra,omitempty" db:"extra"` // kpackage、di_version 等
	LargeFileID int64           `json:"largefile_id" db:"largefile_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LargeFile 按校验和寻址的内容块
//
// 相同 SHA256+大小的内容只存一份，由多个 BootResourceFile 共享；
// 仅当不再被任何文件引用时才删除。内容字节存放在对象存储中，
// ObjectKey 即对象键。
type LargeFile struct {
	ID        int64     `json:"id" db:"id"`
	SHA256    string    `json:"sha256" db:"sha256"`
	TotalSize int64     `json:"total_size" db:"total_size"`
	Complete  bool      `json:"complete" db:"complete"` // 内容已全部写入且校验通过
	ObjectKey string    `json:"object_key" db:"object_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LargeFileObjectKey 由校验和推导对象存储键
func LargeFileObjectKey(sha256 string) string {
	return "largefile/" + sha256
}
