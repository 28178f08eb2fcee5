// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在 repository/ 子包，数据库差异由 dbutil.Dialect 屏蔽
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"metal-admin/internal/shared/model"
)

// NodeFilter list 操作的过滤条件
//
// 零值表示不过滤。MACAddresses 须为已归一化的 MAC。
type NodeFilter struct {
	SystemIDs    []string
	Hostnames    []string
	MACAddresses []string
	AgentName    *string // nil 不过滤；空串是合法过滤值
	ZoneName     string
	Status       model.NodeStatus
	TokenKey     string // list_allocated 按租约凭证过滤
}

// NodeStore 节点持久化接口
type NodeStore interface {
	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, systemID string) (*model.Node, error)
	GetNodesByIDs(ctx context.Context, systemIDs []string) ([]*model.Node, error)
	GetNodeByMAC(ctx context.Context, mac string) (*model.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*model.Node, error)
	ListAvailableNodes(ctx context.Context) ([]*model.Node, error)
	UpdateNode(ctx context.Context, node *model.Node) error
	UpdateNodeZone(ctx context.Context, systemID, zoneName string) error
	DeleteNode(ctx context.Context, systemID string) error

	// AcquireNode 原子分配：仅当节点仍为 ready 且无 owner 时生效，
	// 否则返回 ErrConflict（竞争失败）
	AcquireNode(ctx context.Context, systemID, owner, tokenKey, agentName string) error

	// ReleaseNode 原子释放：仅当节点状态在 fromStatuses 中时，
	// 转为 ready 并清空 owner/token/agent_name
	ReleaseNode(ctx context.Context, systemID string, fromStatuses []model.NodeStatus) error

	// TransitionNode 条件状态迁移：仅当当前状态在 fromStatuses 中时更新
	TransitionNode(ctx context.Context, systemID string, fromStatuses []model.NodeStatus, to model.NodeStatus) error
}

// TopologyStore zone/tag/network 持久化接口
type TopologyStore interface {
	CreateZone(ctx context.Context, zone *model.Zone) error
	ListZoneNames(ctx context.Context) ([]string, error)
	CreateTag(ctx context.Context, tag *model.Tag) error
	ListTagNames(ctx context.Context) ([]string, error)
	CreateNetwork(ctx context.Context, network *model.Network) error
	ListNetworkNames(ctx context.Context) ([]string, error)
	ListArchitectures(ctx context.Context) ([]string, error)
}

// UserStore 用户与租约凭证持久化接口
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, name string) (*model.User, error)
	CreateToken(ctx context.Context, token *model.Token) error
	GetToken(ctx context.Context, key string) (*model.Token, error)
}

// BootResourceStore 启动镜像资源持久化接口
//
// 注意这是持久化层接口；同步业务逻辑在 internal/imagesync
type BootResourceStore interface {
	CreateBootResource(ctx context.Context, r *model.BootResource) error
	GetBootResource(ctx context.Context, name, architecture string) (*model.BootResource, error)
	ListBootResourcesByType(ctx context.Context, t model.BootResourceType) ([]*model.BootResource, error)
	UpdateBootResource(ctx context.Context, r *model.BootResource) error
	DeleteBootResource(ctx context.Context, id int64) error

	CreateBootResourceSet(ctx context.Context, s *model.BootResourceSet) error
	GetBootResourceSet(ctx context.Context, resourceID int64, version string) (*model.BootResourceSet, error)
	ListBootResourceSets(ctx context.Context, resourceID int64) ([]*model.BootResourceSet, error)
	DeleteBootResourceSet(ctx context.Context, id int64) error

	CreateBootResourceFile(ctx context.Context, f *model.BootResourceFile) error
	GetBootResourceFile(ctx context.Context, setID int64, filetype string) (*model.BootResourceFile, error)
	GetBootResourceFileByID(ctx context.Context, id int64) (*model.BootResourceFile, error)
	ListBootResourceFiles(ctx context.Context, setID int64) ([]*model.BootResourceFile, error)
	UpdateBootResourceFile(ctx context.Context, f *model.BootResourceFile) error
	DeleteBootResourceFile(ctx context.Context, id int64) error

	CreateLargeFile(ctx context.Context, lf *model.LargeFile) error
	GetLargeFile(ctx context.Context, id int64) (*model.LargeFile, error)
	GetLargeFileBySHA256(ctx context.Context, sha256 string) (*model.LargeFile, error)
	MarkLargeFileComplete(ctx context.Context, id int64) error
	CountLargeFileReferences(ctx context.Context, id int64) (int, error)
	DeleteLargeFile(ctx context.Context, id int64) error
}

// PersistentStore 聚合接口：完整的持久化存储
type PersistentStore interface {
	NodeStore
	TopologyStore
	UserStore
	BootResourceStore

	Close() error
}

// Clock 供测试替换的时间源
type Clock func() time.Time
