package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/duplikit/duplikit/pkg/approval"
	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/registry"
	"github.com/duplikit/duplikit/pkg/service"
	"github.com/duplikit/duplikit/pkg/staging"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	backends := staging.NewSet()
	backends.Add(staging.NewMemoryBackend("mem-1"))

	resolver := registry.NewStaticResolver()
	resolver.Add(types.NodeInfo{ID: "node-a", Address: "10.0.0.1"})
	resolver.Add(types.NodeInfo{ID: "node-b", Address: "10.0.0.2"})

	coord := coordinator.New(store, broker, backends, coordinator.Config{
		ProgressWindow:    30 * time.Second,
		ProgressStaleness: 15 * time.Second,
	})
	svc := service.New(store, coord, broker, resolver, backends, approval.OpenGate{})

	ts := httptest.NewServer(NewServer(svc, broker, store).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createSession(t *testing.T, ts *httptest.Server, body map[string]any) string {
	t.Helper()

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var session struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &session))
	require.NotEmpty(t, session.ID)
	return session.ID
}

func directBody() map[string]any {
	return map[string]any{
		"source_node_id": "node-a",
		"source_device":  "/dev/sda",
		"target_node_id": "node-b",
		"target_device":  "/dev/sdb",
		"clone_mode":     "direct",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, directBody())

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session struct {
		Status  string  `json:"status"`
		Percent float64 `json:"percent"`
	}
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "pending", session.Status)
	assert.Equal(t, float64(-1), session.Percent)

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)
}

func TestCreateRejectsSameNode(t *testing.T) {
	ts := newTestServer(t)

	body := directBody()
	body["target_node_id"] = "node-a"
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "different nodes")
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDirectFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, directBody())

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/source-ready",
		map[string]any{"listen_addr": "10.0.0.1:9000", "bytes_total": 1000})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A duplicate ready callback observes the moved state
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/source-ready",
		map[string]any{"listen_addr": "10.0.0.1:9000"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(data), "source_ready")

	base := time.Now()
	for i, transferred := range []int64{400, 1000} {
		resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/progress",
			map[string]any{
				"timestamp":         base.Add(time.Duration(i) * time.Second),
				"bytes_transferred": transferred,
			})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/complete", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A stale agent retrying progress after the end is accepted silently
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/progress",
		map[string]any{"timestamp": base.Add(3 * time.Second), "bytes_transferred": 1000})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session struct {
		Status           string `json:"status"`
		BytesTransferred int64  `json:"bytes_transferred"`
	}
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "completed", session.Status)
	assert.Equal(t, int64(1000), session.BytesTransferred)
}

func TestStagedFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	body := directBody()
	body["clone_mode"] = "staged"
	body["staging_backend_id"] = "mem-1"
	id := createSession(t, ts, body)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/staging/provision", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var handle struct {
		Handle string `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(data, &handle))
	assert.NotEmpty(t, handle.Handle)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/staging/upload-started",
		map[string]any{"bytes_total": 500})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	base := time.Now()
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/progress",
		map[string]any{"timestamp": base, "bytes_transferred": 500})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/staging/upload-complete", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/staging/download-started", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &handle))
	assert.NotEmpty(t, handle.Handle)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/complete", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session struct {
		Status        string `json:"status"`
		StagingStatus string `json:"staging_status"`
	}
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "completed", session.Status)
	assert.Equal(t, "cleanup", session.StagingStatus)
}

func TestCancelIsIdempotentOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts, directBody())

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/cancel", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestPlanEndpoints(t *testing.T) {
	ts := newTestServer(t)

	body := directBody()
	body["resize_mode"] = "grow_target"
	id := createSession(t, ts, body)

	// No table reported yet
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/plan/suggest",
		map[string]any{"target_disk_size": 200 * gib})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/partition-table",
		map[string]any{
			"disk_size": 100 * gib,
			"partitions": []map[string]any{
				{"number": 1, "start": mib, "size": 512 * mib, "filesystem": "vfat"},
				{"number": 2, "start": mib + 512*mib, "size": 60 * gib, "filesystem": "ext4"},
			},
		})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/plan/suggest",
		map[string]any{"target_disk_size": 200 * gib})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan struct {
		Entries []json.RawMessage `json:"entries"`
		Growth  *struct {
			Partition int   `json:"partition"`
			NewSize   int64 `json:"new_size"`
		} `json:"growth"`
	}
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Len(t, plan.Entries, 2)
	require.NotNil(t, plan.Growth)
	assert.Equal(t, 2, plan.Growth.Partition)

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), fmt.Sprintf("%d", 200*gib))

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/plan/growth", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "new_size")
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"ready":true`)
}
