package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/annel0/voxel-terrain/internal/compute"
	"github.com/annel0/voxel-terrain/internal/config"
	"github.com/annel0/voxel-terrain/internal/world"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	rs    *RestServer
	world *world.World
	dev   *compute.SoftwareDevice
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default().World
	cfg.ChunkWidth = 8
	cfg.ChunkHeight = 4
	cfg.VoxelScale = 1
	cfg.LODCount = 3
	cfg.ViewRadius = 1
	cfg.ShadowNeighborhood = 3
	cfg.ShadowSourceMip = 1
	cfg.ShadowMips = 2
	cfg.Noise.Scale = 0

	dev := compute.NewSoftwareDevice(compute.Options{Workers: 2})
	world.RegisterKernels(dev)
	t.Cleanup(func() { _ = dev.Close() })

	wc, err := world.NewContext(dev, cfg)
	require.NoError(t, err)
	w, err := world.New(wc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	reg := prometheus.NewRegistry()
	rs := NewRestServer(Config{
		World:       w,
		Registerer:  reg,
		Gatherer:    reg,
		DeviceStats: dev.Stats,
	})
	return &testServer{rs: rs, world: w, dev: dev}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.rs.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

func TestFrameEndpoint(t *testing.T) {
	ts := newTestServer(t)

	_, env := ts.do(t, http.MethodGet, "/api/frame", nil)
	var empty FrameDTO
	require.NoError(t, json.Unmarshal(env.Data, &empty))
	assert.Zero(t, empty.Number)
	assert.Empty(t, empty.Instances)

	require.NoError(t, ts.world.Update(context.Background(), mgl32.Vec3{4, 3, 4}).Err)

	rec, env := ts.do(t, http.MethodGet, "/api/frame", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	var frame FrameDTO
	require.NoError(t, json.Unmarshal(env.Data, &frame))
	assert.Equal(t, uint64(1), frame.Number)
	assert.True(t, frame.ShadowRebuilt)
	assert.Empty(t, frame.Error)
	require.Len(t, frame.Instances, 9)
	assert.Equal(t, 0, frame.Instances[0].X)
	assert.Equal(t, 0, frame.Instances[0].Y)
	assert.NotZero(t, frame.Instances[0].Handle)
	assert.Equal(t, float32(1), frame.Instances[0].Transform[0])
	assert.Equal(t, float32(1), frame.Instances[0].Transform[15])
}

func TestChunkEndpoints(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.world.Update(context.Background(), mgl32.Vec3{4, 3, 4}).Err)

	rec, env := ts.do(t, http.MethodGet, "/api/chunks/1/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chunk ChunkDTO
	require.NoError(t, json.Unmarshal(env.Data, &chunk))
	assert.Equal(t, []int{1}, chunk.LODs)
	assert.Equal(t, [3]float32{8, 0, 8}, chunk.Origin)
	assert.Equal(t, [3]int{8, 4, 8}, chunk.Dims)
	assert.True(t, chunk.Resident)

	rec, _ = ts.do(t, http.MethodGet, "/api/chunks/9/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/chunks/a/b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, env = ts.do(t, http.MethodGet, "/api/chunks", nil)
	var list struct {
		Chunks [][2]int `json:"chunks"`
		Total  int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 9, list.Total)
	assert.Equal(t, [2]int{-1, -1}, list.Chunks[0])
}

func TestTraceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"origin":[4.5,3.9,4.5],"direction":[0,-1,0],"max_distance":10}`)

	rec, _ := ts.do(t, http.MethodPost, "/api/trace", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "теневой объём ещё не собран")

	require.NoError(t, ts.world.Update(context.Background(), mgl32.Vec3{4, 3, 4}).Err)

	rec, env := ts.do(t, http.MethodPost, "/api/trace", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res TraceResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Hit)
	assert.InDelta(t, 1.9, res.T, 1e-4)
	assert.Equal(t, uint8(2), res.Sample)
	assert.Equal(t, [2]int{0, 0}, res.Chunk)
	assert.Equal(t, ts.world.Palette().Color(0, 2).String(), res.Color)

	rec, _ = ts.do(t, http.MethodPost, "/api/trace", []byte(`{"origin":[0,0,0]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.world.Update(context.Background(), mgl32.Vec3{4, 3, 4}).Err)

	rec, env := ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Device struct {
			Textures int `json:"textures"`
			Resident int `json:"resident"`
		} `json:"device"`
		World struct {
			Chunks    int `json:"chunks"`
			Instances int `json:"instances"`
		} `json:"world"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 10, stats.Device.Textures, "9 чанков и теневой объём")
	assert.Equal(t, 9, stats.Device.Resident)
	assert.Equal(t, 9, stats.World.Chunks)
	assert.Equal(t, 9, stats.World.Instances)

	rec, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voxel_debug_api_http_request_duration_seconds")
}
