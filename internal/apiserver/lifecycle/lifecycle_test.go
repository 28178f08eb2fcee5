package lifecycle

import (
	"context"
	"testing"

	"metal-admin/internal/shared/model"
	sqlitedriver "metal-admin/internal/shared/storage/driver/sqlite"
	"metal-admin/internal/shared/storage/repository"
	"metal-admin/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin = &model.User{Name: "root", IsAdmin: true}
	alice = &model.User{Name: "alice"}
)

func newTestMachine(t *testing.T) (*Machine, *repository.Store) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return NewMachine(store, logging.Default("lifecycle-test")), store
}

func makeNode(t *testing.T, store *repository.Store, systemID string, status model.NodeStatus, owner string) {
	t.Helper()
	node := &model.Node{SystemID: systemID, Status: status}
	if owner != "" {
		node.Owner = &owner
		token := "tok-" + systemID
		node.TokenKey = &token
	}
	require.NoError(t, store.CreateNode(context.Background(), node))
}

// ============================================================================
// Accept
// ============================================================================

func TestAcceptRequiresAdmin(t *testing.T) {
	m, store := newTestMachine(t)
	makeNode(t, store, "n1", model.NodeStatusNew, "")

	_, err := m.Accept(context.Background(), []string{"n1"}, alice)
	var perm *PermissionError
	require.ErrorAs(t, err, &perm)
}

func TestAcceptEmptySet(t *testing.T) {
	m, _ := newTestMachine(t)
	accepted, err := m.Accept(context.Background(), nil, admin)
	require.NoError(t, err)
	assert.Empty(t, accepted)
}

func TestAcceptTransitionsNewNodes(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "n1", model.NodeStatusNew, "")
	makeNode(t, store, "n2", model.NodeStatusNew, "")

	accepted, err := m.Accept(ctx, []string{"n1", "n2"}, admin)
	require.NoError(t, err)
	require.Len(t, accepted, 2)
	for _, node := range accepted {
		assert.Equal(t, model.NodeStatusCommissioning, node.Status)
	}
}

func TestAcceptSkipsAlreadyAccepted(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "fresh", model.NodeStatusNew, "")
	makeNode(t, store, "busy", model.NodeStatusCommissioning, "")
	makeNode(t, store, "done", model.NodeStatusReady, "")

	accepted, err := m.Accept(ctx, []string{"fresh", "busy", "done"}, admin)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "fresh", accepted[0].SystemID)

	// 跳过的节点状态不变
	done, err := store.GetNode(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusReady, done.Status)
}

func TestAcceptRejectsImpossibleStates(t *testing.T) {
	disallowed := []model.NodeStatus{
		model.NodeStatusFailedTests,
		model.NodeStatusMissing,
		model.NodeStatusReserved,
		model.NodeStatusAllocated,
		model.NodeStatusRetired,
		model.NodeStatusBroken,
	}
	for _, status := range disallowed {
		t.Run(string(status), func(t *testing.T) {
			m, store := newTestMachine(t)
			ctx := context.Background()
			makeNode(t, store, "n1", status, "")

			_, err := m.Accept(ctx, []string{"n1"}, admin)
			require.Error(t, err)
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Contains(t, err.Error(), "Cannot accept node enlistment")
			assert.Contains(t, err.Error(), "n1")
			assert.Contains(t, err.Error(), model.DisplayStatus(status))

			// 整批中止，状态不变
			node, getErr := store.GetNode(ctx, "n1")
			require.NoError(t, getErr)
			assert.Equal(t, status, node.Status)
		})
	}
}

func TestAcceptUnknownNodes(t *testing.T) {
	m, store := newTestMachine(t)
	makeNode(t, store, "exists", model.NodeStatusNew, "")

	_, err := m.Accept(context.Background(), []string{"ghost"}, admin)
	require.Error(t, err)
	assert.Equal(t, "Unknown node(s): ghost.", err.Error())
}

// ============================================================================
// Release
// ============================================================================

func TestReleaseEmptySet(t *testing.T) {
	m, _ := newTestMachine(t)
	released, err := m.Release(context.Background(), nil, alice)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestReleaseUnknownNodes(t *testing.T) {
	m, store := newTestMachine(t)
	makeNode(t, store, "exists", model.NodeStatusReady, "")

	_, err := m.Release(context.Background(), []string{"foo", "bar"}, alice)
	require.Error(t, err)
	assert.Equal(t, "Unknown node(s): foo, bar.", err.Error())
}

func TestReleaseOwnedNodes(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "a1", model.NodeStatusAllocated, "alice")
	makeNode(t, store, "a2", model.NodeStatusReserved, "alice")
	makeNode(t, store, "a3", model.NodeStatusBroken, "alice")

	released, err := m.Release(ctx, []string{"a1", "a2", "a3"}, alice)
	require.NoError(t, err)
	require.Len(t, released, 3)
	for _, node := range released {
		assert.Equal(t, model.NodeStatusReady, node.Status)
		assert.Nil(t, node.Owner)
		assert.Nil(t, node.TokenKey)
		assert.Equal(t, "", node.AgentName)
	}
}

func TestReleaseSkipsReadyNodes(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "busy", model.NodeStatusAllocated, "alice")
	makeNode(t, store, "idle", model.NodeStatusReady, "")

	released, err := m.Release(ctx, []string{"busy", "idle"}, admin)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "busy", released[0].SystemID)
}

func TestReleaseForbiddenForNonOwner(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "mine", model.NodeStatusAllocated, "alice")
	// 无主节点对普通用户不可编辑
	makeNode(t, store, "orphan", model.NodeStatusReserved, "")

	_, err := m.Release(ctx, []string{"mine", "orphan"}, alice)
	require.Error(t, err)
	assert.Equal(t,
		"You don't have the required permission to release the following node(s): orphan.",
		err.Error())

	// 403 优先于任何状态迁移：本可成功的节点也保持原状
	mine, getErr := store.GetNode(ctx, "mine")
	require.NoError(t, getErr)
	assert.Equal(t, model.NodeStatusAllocated, mine.Status)
}

func TestReleaseForbiddenForOthersNode(t *testing.T) {
	m, store := newTestMachine(t)
	makeNode(t, store, "bobs", model.NodeStatusAllocated, "bob")

	_, err := m.Release(context.Background(), []string{"bobs"}, alice)
	require.Error(t, err)
	var perm *PermissionError
	require.ErrorAs(t, err, &perm)
}

func TestReleaseRejectsImpossibleStates(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "c1", model.NodeStatusCommissioning, "alice")
	makeNode(t, store, "c2", model.NodeStatusRetired, "alice")

	_, err := m.Release(ctx, []string{"c1", "c2"}, alice)
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t,
		"Node(s) cannot be released in their current state: c1 ('Commissioning'), c2 ('Retired').",
		err.Error())
}

func TestReleaseAdminCanReleaseAnyNode(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "bobs", model.NodeStatusAllocated, "bob")
	makeNode(t, store, "orphan", model.NodeStatusReserved, "")

	released, err := m.Release(ctx, []string{"bobs", "orphan"}, admin)
	require.NoError(t, err)
	assert.Len(t, released, 2)
}

func TestReleaseThenReacquire(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	makeNode(t, store, "cycle", model.NodeStatusAllocated, "alice")

	_, err := m.Release(ctx, []string{"cycle"}, alice)
	require.NoError(t, err)

	// 释放后节点重新满足分配前置条件
	require.NoError(t, store.AcquireNode(ctx, "cycle", "bob", "tok-2", ""))
}
