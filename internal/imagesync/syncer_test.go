package imagesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metal-admin/internal/config"
	"metal-admin/internal/shared/model"
	"metal-admin/pkg/logging"
)

// newUpstream 启动一个提供目录和内容的假上游
func newUpstream(t *testing.T, contents map[string]string) *httptest.Server {
	t.Helper()
	var products []*Product
	for release, content := range contents {
		sum := sha256.Sum256([]byte(content))
		products = append(products, &Product{
			OS:       "ubuntu",
			Release:  release,
			Arch:     "amd64",
			Subarch:  "generic",
			Version:  "20260801",
			Label:    "release",
			Filename: "root-image",
			Filetype: "root-image",
			SHA256:   hex.EncodeToString(sum[:]),
			Size:     int64(len(content)),
			Path:     "/content/" + release,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /catalog.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(products)
	})
	mux.HandleFunc("GET /content/{release}", func(w http.ResponseWriter, r *http.Request) {
		content, ok := contents[r.PathValue("release")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// fakeSyncRecorder 统计同步指标回调
type fakeSyncRecorder struct {
	runs  map[string]int
	bytes int64
	files int
	kept  int
}

func (f *fakeSyncRecorder) RecordSyncRun(result string, _ time.Duration) {
	if f.runs == nil {
		f.runs = make(map[string]int)
	}
	f.runs[result]++
}

func (f *fakeSyncRecorder) RecordSyncWrite(n int64) {
	f.files++
	f.bytes += n
}

func (f *fakeSyncRecorder) SetBootResourcesKept(count int) {
	f.kept = count
}

func TestSyncerRunOnce(t *testing.T) {
	db := newTestDB(t)
	objects := newFakeObjects()
	upstream := newUpstream(t, map[string]string{
		"trusty": "trusty root image",
		"xenial": "xenial root image",
	})

	cfg := config.ImageSyncConfig{
		Sources:     []string{upstream.URL + "/catalog.json"},
		Interval:    time.Hour,
		Concurrency: 2,
		HTTPTimeout: 10 * time.Second,
	}
	rec := &fakeSyncRecorder{}
	syncer := NewSyncer(db, objects, nil, cfg, rec, logging.Default("syncer-test"))
	require.NoError(t, syncer.RunOnce(context.Background()))

	ctx := context.Background()
	resources, err := db.ListBootResourcesByType(ctx, model.BootResourceSynced)
	require.NoError(t, err)
	assert.Len(t, resources, 2)
	assert.Equal(t, 2, objects.count())

	// 指标同步记账：两个文件落盘，两个资源留存
	assert.Equal(t, 1, rec.runs["success"])
	assert.Equal(t, 2, rec.files)
	assert.Equal(t, int64(len("trusty root image")+len("xenial root image")), rec.bytes)
	assert.Equal(t, 2, rec.kept)

	// 再跑一轮：内容未变，无重复下载
	require.NoError(t, syncer.RunOnce(context.Background()))
	assert.Equal(t, 2, objects.uploads)
	assert.Equal(t, 2, rec.runs["success"])
	assert.Equal(t, 2, rec.files)
}

func TestSyncerBadCatalog(t *testing.T) {
	db := newTestDB(t)
	objects := newFakeObjects()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg := config.ImageSyncConfig{
		Sources:     []string{server.URL + "/catalog.json"},
		Concurrency: 2,
		HTTPTimeout: 10 * time.Second,
	}
	rec := &fakeSyncRecorder{}
	syncer := NewSyncer(db, objects, nil, cfg, rec, logging.Default("syncer-test"))
	err := syncer.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
	assert.Equal(t, 1, rec.runs["error"])
}
