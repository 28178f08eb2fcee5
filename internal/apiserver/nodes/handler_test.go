package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metal-admin/internal/apiserver/auth"
	"metal-admin/internal/shared/model"
	sqlitedriver "metal-admin/internal/shared/storage/driver/sqlite"
	"metal-admin/internal/shared/storage/repository"
	"metal-admin/pkg/logging"
)

var (
	adminUser = &model.User{Name: "admin", IsAdmin: true}
	aliceUser = &model.User{Name: "alice"}
)

func newTestHandler(t *testing.T) (*Handler, *repository.Store, *http.ServeMux) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// 内存库是连接私有的，收敛到单连接保证所有查询命中同一个库
	db.SetMaxOpenConns(1)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	handler := NewHandler(store, nil, logging.Default("nodes-test"))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return handler, store, mux
}

func seedNode(t *testing.T, store *repository.Store, n *model.Node) *model.Node {
	t.Helper()
	require.NoError(t, store.CreateNode(context.Background(), n))
	return n
}

func asRequester(req *http.Request, user *model.User, tokenKey string) *http.Request {
	ctx := auth.WithRequester(req.Context(), &auth.Requester{User: user, TokenKey: tokenKey})
	return req.WithContext(ctx)
}

func doGet(t *testing.T, mux *http.ServeMux, rawURL string, user *model.User, tokenKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", rawURL, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, asRequester(req, user, tokenKey))
	return rec
}

func doPost(t *testing.T, mux *http.ServeMux, op string, form url.Values, user *model.User, tokenKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/1.0/nodes/?op="+op, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, asRequester(req, user, tokenKey))
	return rec
}

func decodeNodes(t *testing.T, rec *httptest.ResponseRecorder) []*Response {
	t.Helper()
	var nodes []*Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	return nodes
}

func systemIDs(nodes []*Response) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.SystemID)
	}
	return ids
}

// ============================================================================
// 查询操作
// ============================================================================

func TestList(t *testing.T) {
	_, store, mux := newTestHandler(t)
	seedNode(t, store, &model.Node{SystemID: "n1", Hostname: "web-1", Status: model.NodeStatusReady,
		MACAddresses: []string{"aa:bb:cc:dd:ee:01"}, ZoneName: "east", AgentName: "agent-a"})
	seedNode(t, store, &model.Node{SystemID: "n2", Hostname: "web-2", Status: model.NodeStatusNew,
		MACAddresses: []string{"aa:bb:cc:dd:ee:02"}})
	seedNode(t, store, &model.Node{SystemID: "n3", Hostname: "db-1", Status: model.NodeStatusReady, ZoneName: "east"})

	t.Run("无过滤按创建顺序返回全部", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n1", "n2", "n3"}, systemIDs(decodeNodes(t, rec)))
	})

	t.Run("缺省 op 等价于 list", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeNodes(t, rec), 3)
	})

	t.Run("按 id 过滤", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&id=n1&id=n3", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n1", "n3"}, systemIDs(decodeNodes(t, rec)))
	})

	t.Run("按 hostname 过滤", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&hostname=db-1", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n3"}, systemIDs(decodeNodes(t, rec)))
	})

	t.Run("按 MAC 过滤且写法不敏感", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&mac_address=AA-BB-CC-DD-EE-01", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n1"}, systemIDs(decodeNodes(t, rec)))
	})

	t.Run("非法 MAC 逐个点名", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&mac_address=bad-mac&mac_address=worse", adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid MAC address(es): bad-mac, worse", rec.Body.String())
	})

	t.Run("agent_name 空串匹配无 agent 的节点", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&agent_name=", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n2", "n3"}, systemIDs(decodeNodes(t, rec)))
	})

	t.Run("按 zone 过滤", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=list&zone=east", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"n1", "n3"}, systemIDs(decodeNodes(t, rec)))
	})
}

func TestListAllocated(t *testing.T) {
	_, store, mux := newTestHandler(t)
	owner, token := "alice", "tok-alice"
	otherToken := "tok-old"
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusAllocated, Owner: &owner, TokenKey: &token})
	seedNode(t, store, &model.Node{SystemID: "n2", Status: model.NodeStatusAllocated, Owner: &owner, TokenKey: &otherToken})
	seedNode(t, store, &model.Node{SystemID: "n3", Status: model.NodeStatusReady})

	rec := doGet(t, mux, "/api/1.0/nodes/?op=list_allocated", aliceUser, "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	// 只返回当前租约下的节点，旧租约的分配不可见
	assert.Equal(t, []string{"n1"}, systemIDs(decodeNodes(t, rec)))
}

func TestIsRegistered(t *testing.T) {
	_, store, mux := newTestHandler(t)
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusReady,
		MACAddresses: []string{"aa:bb:cc:dd:ee:01"}})
	seedNode(t, store, &model.Node{SystemID: "n2", Status: model.NodeStatusRetired,
		MACAddresses: []string{"aa:bb:cc:dd:ee:02"}})

	cases := []struct {
		name string
		mac  string
		want string
	}{
		{"已注册节点", "aa:bb:cc:dd:ee:01", "true"},
		{"写法归一化后命中", "AA-BB-CC-DD-EE-01", "true"},
		{"未知 MAC", "aa:bb:cc:dd:ee:99", "false"},
		{"退役节点视为未注册", "aa:bb:cc:dd:ee:02", "false"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doGet(t, mux, "/api/1.0/nodes/?op=is_registered&mac_address="+url.QueryEscape(tc.mac), adminUser, "tok-admin")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, strings.TrimSpace(rec.Body.String()))
		})
	}

	t.Run("非法 MAC 返回 400", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=is_registered&mac_address=nope", adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid MAC address(es): nope", rec.Body.String())
	})
}

func TestPowerParameters(t *testing.T) {
	_, store, mux := newTestHandler(t)
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusReady,
		PowerParameters: json.RawMessage(`{"power_address":"10.0.0.1"}`)})
	seedNode(t, store, &model.Node{SystemID: "n2", Status: model.NodeStatusReady})

	t.Run("仅管理员可见", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=power_parameters", aliceUser, "tok-alice")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("返回 system_id 到电源参数的映射", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=power_parameters", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		var params map[string]map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
		assert.Equal(t, "10.0.0.1", params["n1"]["power_address"])
		assert.Empty(t, params["n2"])
	})

	t.Run("id 过滤", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=power_parameters&id=n1", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		var params map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
		assert.Len(t, params, 1)
	})
}

func TestDeploymentStatus(t *testing.T) {
	_, store, mux := newTestHandler(t)
	owner := "bob"
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusAllocated, Owner: &owner})
	seedNode(t, store, &model.Node{SystemID: "n2", Status: model.NodeStatusReady})

	t.Run("返回各节点的展示状态", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=deployment_status&nodes=n1&nodes=n2", adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		var statuses map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
		assert.Equal(t, map[string]string{"n1": "Allocated", "n2": "Ready"}, statuses)
	})

	t.Run("未知节点返回 400", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=deployment_status&nodes=n1&nodes=ghost", adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Unknown node(s): ghost.", rec.Body.String())
	})

	t.Run("他人持有的节点对普通用户不可见", func(t *testing.T) {
		rec := doGet(t, mux, "/api/1.0/nodes/?op=deployment_status&nodes=n1", aliceUser, "tok-alice")
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "You don't have the required permission to view the following node(s): n1.", rec.Body.String())
	})
}

// ============================================================================
// 变更操作
// ============================================================================

func TestAcquire(t *testing.T) {
	_, store, mux := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTag(ctx, &model.Tag{Name: "fast"}))
	seedNode(t, store, &model.Node{SystemID: "small", Status: model.NodeStatusReady, CPUCount: 1})
	seedNode(t, store, &model.Node{SystemID: "big", Status: model.NodeStatusReady, CPUCount: 3, Tags: []string{"fast"}})

	t.Run("约束命中返回分配结果", func(t *testing.T) {
		rec := doPost(t, mux, "acquire", url.Values{"cpu_count": {"2"}}, aliceUser, "tok-alice")
		require.Equal(t, http.StatusOK, rec.Code)
		var node Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
		assert.Equal(t, "big", node.SystemID)
		assert.Equal(t, "Allocated", node.Status)
		assert.Equal(t, "alice", node.Owner)

		stored, err := store.GetNode(ctx, "big")
		require.NoError(t, err)
		require.NotNil(t, stored.TokenKey)
		assert.Equal(t, "tok-alice", *stored.TokenKey)
	})

	t.Run("无满足约束的节点返回 409", func(t *testing.T) {
		rec := doPost(t, mux, "acquire", url.Values{"cpu_count": {"8"}}, aliceUser, "tok-alice")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "No available node matches constraints: cpu_count=8", rec.Body.String())
	})

	t.Run("池耗尽返回 409", func(t *testing.T) {
		rec := doPost(t, mux, "acquire", nil, aliceUser, "tok-alice")
		require.Equal(t, http.StatusOK, rec.Code) // small 还在池里
		rec = doPost(t, mux, "acquire", nil, aliceUser, "tok-alice")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "No node available.", rec.Body.String())
	})

	t.Run("未知标签返回字段级校验错误", func(t *testing.T) {
		rec := doPost(t, mux, "acquire", url.Values{"tags": {"fast, hairy, boo"}}, aliceUser, "tok-alice")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var fields map[string][]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
		assert.Equal(t, []string{"No such tag(s): 'hairy', 'boo'."}, fields["tags"])
	})
}

func TestRelease(t *testing.T) {
	_, store, mux := newTestHandler(t)
	owner, token := "alice", "tok-alice"
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusAllocated, Owner: &owner, TokenKey: &token})
	seedNode(t, store, &model.Node{SystemID: "n2", Status: model.NodeStatusCommissioning})

	t.Run("释放自己持有的节点", func(t *testing.T) {
		rec := doPost(t, mux, "release", url.Values{"nodes": {"n1"}}, aliceUser, "tok-alice")
		require.Equal(t, http.StatusOK, rec.Code)
		var released []string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &released))
		assert.Equal(t, []string{"n1"}, released)

		node, err := store.GetNode(context.Background(), "n1")
		require.NoError(t, err)
		assert.Equal(t, model.NodeStatusReady, node.Status)
		assert.Nil(t, node.Owner)
	})

	t.Run("状态不可释放返回 409", func(t *testing.T) {
		rec := doPost(t, mux, "release", url.Values{"nodes": {"n2"}}, adminUser, "tok-admin")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "Node(s) cannot be released in their current state: n2 ('Commissioning').", rec.Body.String())
	})

	t.Run("未知节点返回 400", func(t *testing.T) {
		rec := doPost(t, mux, "release", url.Values{"nodes": {"ghost"}}, adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Unknown node(s): ghost.", rec.Body.String())
	})
}

func TestAccept(t *testing.T) {
	_, store, mux := newTestHandler(t)
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusNew})

	t.Run("普通用户不可接受入网", func(t *testing.T) {
		rec := doPost(t, mux, "accept", url.Values{"nodes": {"n1"}}, aliceUser, "tok-alice")
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "You don't have the required permission to accept node enlistment.", rec.Body.String())
	})

	t.Run("管理员接受后进入调试状态", func(t *testing.T) {
		rec := doPost(t, mux, "accept", url.Values{"nodes": {"n1"}}, adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		accepted := decodeNodes(t, rec)
		require.Len(t, accepted, 1)
		assert.Equal(t, "n1", accepted[0].SystemID)
		assert.Equal(t, "Commissioning", accepted[0].Status)
	})
}

func TestNew(t *testing.T) {
	_, store, mux := newTestHandler(t)
	require.NoError(t, store.CreateZone(context.Background(), &model.Zone{Name: "east"}))

	t.Run("登记新节点", func(t *testing.T) {
		form := url.Values{
			"hostname":      {"fresh-1"},
			"architecture":  {"amd64"},
			"mac_addresses": {"AA:BB:CC:DD:EE:10", "aa-bb-cc-dd-ee-11"},
			"zone":          {"east"},
		}
		rec := doPost(t, mux, "new", form, adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)
		var node Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
		assert.Equal(t, "New", node.Status)
		assert.Equal(t, "amd64/generic", node.Architecture)
		assert.Equal(t, "east", node.Zone)
		require.Len(t, node.MACAddresses, 2)
		assert.Equal(t, "aa:bb:cc:dd:ee:10", node.MACAddresses[0].MACAddress)

		stored, err := store.GetNode(context.Background(), node.SystemID)
		require.NoError(t, err)
		assert.Equal(t, model.NodeStatusNew, stored.Status)
	})

	t.Run("未知架构返回 400", func(t *testing.T) {
		rec := doPost(t, mux, "new", url.Values{"architecture": {"sparc"}}, adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Architecture not recognised: 'sparc'.", rec.Body.String())
	})

	t.Run("非法 MAC 返回 400", func(t *testing.T) {
		form := url.Values{"architecture": {"amd64"}, "mac_addresses": {"not-a-mac"}}
		rec := doPost(t, mux, "new", form, adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid MAC address(es): not-a-mac", rec.Body.String())
	})
}

func TestSetZone(t *testing.T) {
	_, store, mux := newTestHandler(t)
	require.NoError(t, store.CreateZone(context.Background(), &model.Zone{Name: "west"}))
	seedNode(t, store, &model.Node{SystemID: "n1", Status: model.NodeStatusReady})

	t.Run("普通用户被拒绝", func(t *testing.T) {
		form := url.Values{"zone": {"west"}, "nodes": {"n1"}}
		rec := doPost(t, mux, "set_zone", form, aliceUser, "tok-alice")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("不存在的可用区返回 400", func(t *testing.T) {
		form := url.Values{"zone": {"nowhere"}, "nodes": {"n1"}}
		rec := doPost(t, mux, "set_zone", form, adminUser, "tok-admin")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No such zone: 'nowhere'.", rec.Body.String())
	})

	t.Run("管理员批量设置", func(t *testing.T) {
		form := url.Values{"zone": {"west"}, "nodes": {"n1"}}
		rec := doPost(t, mux, "set_zone", form, adminUser, "tok-admin")
		require.Equal(t, http.StatusOK, rec.Code)

		node, err := store.GetNode(context.Background(), "n1")
		require.NoError(t, err)
		assert.Equal(t, "west", node.ZoneName)
	})
}

func TestUnrecognisedOp(t *testing.T) {
	_, _, mux := newTestHandler(t)
	rec := doPost(t, mux, "explode", nil, adminUser, "tok-admin")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unrecognised signature")
}
