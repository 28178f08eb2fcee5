package allocation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"metal-admin/internal/shared/model"
	sqlitedriver "metal-admin/internal/shared/storage/driver/sqlite"
	"metal-admin/internal/shared/storage/repository"
	"metal-admin/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorder 统计各结果的记录次数
type fakeRecorder struct {
	mu      sync.Mutex
	results map[string]int
	retries int
}

func (f *fakeRecorder) RecordAllocation(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]int)
	}
	f.results[result]++
}

func (f *fakeRecorder) RecordAllocationRetry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
}

func newTestAllocator(t *testing.T) (*Allocator, *repository.Store, *fakeRecorder) {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	rec := &fakeRecorder{}
	return NewAllocator(store, rec, logging.Default("allocation-test")), store, rec
}

func TestAcquireMatching(t *testing.T) {
	a, store, rec := newTestAllocator(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &model.Node{
		SystemID: "small", Status: model.NodeStatusReady, CPUCount: 1,
	}))
	require.NoError(t, store.CreateNode(ctx, &model.Node{
		SystemID: "big", Status: model.NodeStatusReady, CPUCount: 3,
	}))

	c := &Constraint{CPUCount: floatPtr(2), AgentName: "my-cluster"}
	c.addPair("cpu_count", "2")

	node, err := a.AcquireMatching(ctx, c, "alice", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "big", node.SystemID)
	assert.Equal(t, model.NodeStatusAllocated, node.Status)
	require.NotNil(t, node.Owner)
	assert.Equal(t, "alice", *node.Owner)
	assert.Equal(t, "my-cluster", node.AgentName)

	// 池中已无满足约束的节点
	_, err = a.AcquireMatching(ctx, c, "bob", "tok-2")
	require.Error(t, err)
	assert.Equal(t, "No available node matches constraints: cpu_count=2", err.Error())

	// 两次尝试分别计入 acquired / no_match
	assert.Equal(t, 1, rec.results["acquired"])
	assert.Equal(t, 1, rec.results["no_match"])
	assert.Equal(t, 0, rec.retries)
}

func TestAcquireMatchingConcurrent(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &model.Node{
		SystemID: "contended", Status: model.NodeStatusReady, CPUCount: 2,
	}))

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.AcquireMatching(ctx, &Constraint{},
				fmt.Sprintf("user-%d", i), fmt.Sprintf("tok-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			// 竞争失败方最终观察到空池
			var noMatch *NoMatchError
			assert.ErrorAs(t, err, &noMatch)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &model.Node{
		SystemID: "cycle", Status: model.NodeStatusReady,
	}))

	node, err := a.AcquireMatching(ctx, &Constraint{}, "alice", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusAllocated, node.Status)

	require.NoError(t, store.ReleaseNode(ctx, "cycle", model.ReleasableStatuses))

	// 释放后重新可选、可再次分配
	node, err = a.AcquireMatching(ctx, &Constraint{}, "bob", "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "cycle", node.SystemID)
	assert.Equal(t, "bob", *node.Owner)
}
