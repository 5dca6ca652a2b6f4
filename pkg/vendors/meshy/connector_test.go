package meshy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/vendorflow/pkg/clients"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
	"github.com/ajitpratap0/vendorflow/pkg/poller"
	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// fakeClock advances instantly on Sleep
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// call is one request seen by the fake provider
type call struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

// fakeMeshy routes requests to canned responses keyed by "METHOD path".
// A key with several responses serves them in order and repeats the last.
type fakeMeshy struct {
	t         *testing.T
	mu        sync.Mutex
	responses map[string][]response
	served    map[string]int
	calls     []call
}

type response struct {
	code int
	body string
}

func newFakeMeshy(t *testing.T) (*fakeMeshy, *httptest.Server) {
	f := &fakeMeshy{t: t, responses: map[string][]response{}, served: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeMeshy) on(method, path string, code int, bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bodies {
		f.responses[method+" "+path] = append(f.responses[method+" "+path], response{code: code, body: b})
	}
}

func (f *fakeMeshy) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	c := call{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &c.Body)
	}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	key := r.Method + " " + r.URL.Path
	script := f.responses[key]
	n := f.served[key]
	f.served[key]++
	f.mu.Unlock()

	if len(script) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no route"}`))
		return
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	w.WriteHeader(script[n].code)
	_, _ = w.Write([]byte(script[n].body))
}

func (f *fakeMeshy) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestConnector(t *testing.T, baseURL string, clock *fakeClock) *Connector {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Meshy.APIKey = "msy-test"
	cfg.Meshy.BaseURL = baseURL + "/openapi"

	c, err := New(cfg, clients.NewLimiterRegistry(), zap.NewNop(),
		WithRetryPolicy(clients.NoRetryPolicy()),
		WithPoller(poller.New(poller.WithClock(clock))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.NewConfig(), clients.NewLimiterRegistry(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRigWithoutWaitNeverPolls(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v1/rigging", http.StatusAccepted, `{"result":"t1"}`)
	clock := newFakeClock()
	c := newTestConnector(t, srv.URL, clock)

	h, err := c.Rig(context.Background(), core.RigRequest{InputTaskID: "gen-1"}, core.StageOptions{Wait: false})
	require.NoError(t, err)

	assert.Equal(t, "t1", h.TaskID)
	assert.Equal(t, task.StatusPending, h.Status)
	assert.Equal(t, task.TypeRigging, h.Type)

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "Bearer msy-test", calls[0].Auth)
	assert.Equal(t, "gen-1", calls[0].Body["input_task_id"])
	assert.Equal(t, 1.7, calls[0].Body["height_meters"])
	assert.Empty(t, clock.sleeps)
}

func TestRigWaitsUntilSucceeded(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v1/rigging", http.StatusAccepted, `{"result":"t1"}`)
	f.on(http.MethodGet, "/openapi/v1/rigging/t1", http.StatusOK,
		`{"id":"t1","status":"PENDING","progress":0}`,
		`{"id":"t1","status":"IN_PROGRESS","progress":40}`,
		`{"id":"t1","status":"SUCCEEDED","progress":100,"result":{"rigged_character_glb_url":"https://x/model.glb"}}`,
	)
	clock := newFakeClock()
	c := newTestConnector(t, srv.URL, clock)

	h, err := c.Rig(context.Background(), core.RigRequest{InputTaskID: "gen-1", HeightMeters: 1.2},
		core.StageOptions{Wait: true, PollInterval: time.Second, Timeout: 10 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, task.StatusSucceeded, h.Status)
	assert.Equal(t, 100, h.Progress)
	assert.Equal(t, "https://x/model.glb", h.ModelURL())
	assert.Empty(t, h.Error)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.sleeps)
	assert.Len(t, f.Calls(), 4)
	assert.Equal(t, 1.2, f.Calls()[0].Body["height_meters"])
}

func TestWaitReturnsTaskFailed(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodGet, "/openapi/v1/animations/a1", http.StatusOK,
		`{"id":"a1","status":"FAILED","task_error":{"message":"rig not found"}}`)
	c := newTestConnector(t, srv.URL, newFakeClock())

	pending := task.NewPending("a1", task.TypeAnimation, task.SourceNone)
	_, err := c.Wait(context.Background(), pending, core.StageOptions{Wait: true, Timeout: time.Hour})
	require.Error(t, err)
	assert.True(t, errors.IsTaskFailed(err))
	assert.Contains(t, err.Error(), "rig not found")
	assert.Equal(t, task.StatusPending, pending.Status)
}

func TestWaitTimesOut(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodGet, "/openapi/v1/retexture/x1", http.StatusOK, `{"id":"x1","status":"IN_PROGRESS","progress":10}`)
	clock := newFakeClock()
	c := newTestConnector(t, srv.URL, clock)

	_, err := c.Wait(context.Background(), task.NewPending("x1", task.TypeRetexture, task.SourceNone),
		core.StageOptions{PollInterval: time.Second, Timeout: 3 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsPollTimeout(err))
	assert.False(t, errors.IsTaskFailed(err))
}

func TestCreateErrorSurfacesAsAPIError(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v1/animations", http.StatusBadRequest, `{"message":"rig task not succeeded"}`)
	c := newTestConnector(t, srv.URL, newFakeClock())

	_, err := c.Animate(context.Background(), core.AnimateRequest{RigTaskID: "r1", ActionID: 12}, core.DefaultStageOptions())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errors.StatusCode(err))
	assert.Len(t, f.Calls(), 1)
}

func TestAnimateBody(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v1/animations", http.StatusOK, `{"result":"a1"}`)
	c := newTestConnector(t, srv.URL, newFakeClock())

	_, err := c.Animate(context.Background(), core.AnimateRequest{RigTaskID: "r1", ActionID: 0, FrameRate: 24}, core.StageOptions{})
	require.NoError(t, err)

	body := f.Calls()[0].Body
	assert.Equal(t, "r1", body["rig_task_id"])
	assert.Equal(t, float64(0), body["action_id"])
	assert.Equal(t, map[string]interface{}{"operation_type": "change_fps", "fps": float64(24)}, body["post_process"])
}

func TestStageValidation(t *testing.T) {
	f, srv := newFakeMeshy(t)
	c := newTestConnector(t, srv.URL, newFakeClock())
	ctx := context.Background()
	opts := core.StageOptions{}

	_, err := c.Animate(ctx, core.AnimateRequest{RigTaskID: "r1", ActionID: core.MaxActionID + 1}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "action id above range")

	_, err = c.Animate(ctx, core.AnimateRequest{RigTaskID: "r1", ActionID: -1}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "negative action id")

	_, err = c.TextTo3D(ctx, core.TextTo3DRequest{}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "missing prompt")

	_, err = c.TextTo3D(ctx, core.TextTo3DRequest{Prompt: "otter", TargetPolycount: 50}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "polycount too low")

	_, err = c.Rig(ctx, core.RigRequest{InputTaskID: "g1", HeightMeters: -1}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "negative height")

	_, err = c.Retexture(ctx, core.RetextureRequest{InputTaskID: "g1"}, opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "no style")

	assert.Empty(t, f.Calls())
}

func TestTextTo3DAndRefine(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v2/text-to-3d", http.StatusOK, `{"result":"p1"}`, `{"result":"r1"}`)
	c := newTestConnector(t, srv.URL, newFakeClock())
	ctx := context.Background()

	preview, err := c.TextTo3D(ctx, core.TextTo3DRequest{Prompt: "a river otter", TargetPolycount: 15000}, core.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p1", preview.TaskID)
	assert.Equal(t, task.SourceText, preview.Source)

	refined, err := c.Refine(ctx, core.RefineRequest{PreviewTaskID: "p1", EnablePBR: true}, core.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, "r1", refined.TaskID)
	assert.Equal(t, task.TypeRefinement, refined.Type)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "preview", calls[0].Body["mode"])
	assert.Equal(t, "realistic", calls[0].Body["art_style"])
	assert.Equal(t, float64(15000), calls[0].Body["target_polycount"])
	assert.Equal(t, "refine", calls[1].Body["mode"])
	assert.Equal(t, "p1", calls[1].Body["preview_task_id"])
	assert.Equal(t, true, calls[1].Body["enable_pbr"])
}

func TestStageLogsCarryRunID(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v1/rigging", http.StatusAccepted, `{"result":"t9"}`)

	obs, logs := observer.New(zapcore.InfoLevel)
	cfg := config.NewConfig()
	cfg.Meshy.APIKey = "msy-test"
	cfg.Meshy.BaseURL = srv.URL + "/openapi"
	c, err := New(cfg, clients.NewLimiterRegistry(), zap.New(obs), WithRetryPolicy(clients.NoRetryPolicy()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := logger.ContextWith(context.Background(), logger.RunIDKey, "run-42")
	_, err = c.Rig(ctx, core.RigRequest{InputTaskID: "r1"}, core.StageOptions{Wait: false})
	require.NoError(t, err)

	created := logs.FilterMessage("task created").All()
	require.Len(t, created, 1)
	fields := created[0].ContextMap()
	assert.Equal(t, "run-42", fields["run_id"])
	assert.Equal(t, "t9", fields["task_id"])
	assert.Equal(t, "meshy", fields["connector"])
}

func TestImageRefineUsesImageRoute(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodPost, "/openapi/v2/image-to-3d", http.StatusOK, `{"result":"i1"}`)
	f.on(http.MethodPost, "/openapi/v2/image-to-3d/i1/refine", http.StatusOK, `{"result":"i2"}`)
	f.on(http.MethodGet, "/openapi/v2/image-to-3d/i2", http.StatusOK,
		`{"id":"i2","status":"SUCCEEDED","model_urls":{"glb":"https://x/i2.glb"}}`)
	c := newTestConnector(t, srv.URL, newFakeClock())
	ctx := context.Background()

	preview, err := c.ImageTo3D(ctx, core.ImageTo3DRequest{ImageURL: "https://x/otter.png"}, core.StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, task.SourceImage, preview.Source)

	refined, err := c.Refine(ctx, core.RefineRequest{PreviewTaskID: preview.TaskID, Source: preview.Source}, core.DefaultStageOptions())
	require.NoError(t, err)
	assert.Equal(t, "https://x/i2.glb", refined.ModelURL())
	assert.Equal(t, task.SourceImage, refined.Source)
}

func TestGetTaskDispatch(t *testing.T) {
	f, srv := newFakeMeshy(t)
	f.on(http.MethodGet, "/openapi/v2/text-to-3d/g1", http.StatusOK, `{"status":"IN_PROGRESS","progress":20}`)
	c := newTestConnector(t, srv.URL, newFakeClock())
	ctx := context.Background()

	h, err := c.GetTask(ctx, "g1", task.TypeGeneration, task.SourceNone)
	require.NoError(t, err)
	assert.Equal(t, "g1", h.TaskID)
	assert.Equal(t, 20, h.Progress)

	_, err = c.GetTask(ctx, "g1", task.Type("sculpt"), task.SourceNone)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = c.GetTask(ctx, "", task.TypeRigging, task.SourceNone)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = c.GetTask(ctx, "missing", task.TypeRigging, task.SourceNone)
	assert.Equal(t, http.StatusNotFound, errors.StatusCode(err))
}

func TestDownloadModel(t *testing.T) {
	var sawAuth string
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/model.glb" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("glTF-binary"))
	}))
	defer files.Close()

	_, srv := newFakeMeshy(t)
	c := newTestConnector(t, srv.URL, newFakeClock())
	dir := t.TempDir()
	sink, err := storage.NewLocalSink(dir)
	require.NoError(t, err)

	h := &task.Handle{
		TaskID: "t1",
		Type:   task.TypeRigging,
		Status: task.StatusSucceeded,
		ResultURLs: map[task.Format]string{
			task.FormatGLB: files.URL + "/model.glb",
			task.FormatFBX: files.URL + "/expired.fbx",
		},
	}

	loc, err := c.DownloadModel(context.Background(), h, task.FormatGLB, sink, "")
	require.NoError(t, err)
	assert.Equal(t, "t1.glb", loc.Key)
	assert.Equal(t, int64(len("glTF-binary")), loc.Bytes)
	assert.Empty(t, sawAuth)

	data, err := os.ReadFile(filepath.Join(dir, "t1.glb"))
	require.NoError(t, err)
	assert.Equal(t, "glTF-binary", string(data))

	_, err = c.DownloadModel(context.Background(), h, task.FormatFBX, sink, "t1.fbx")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, errors.StatusCode(err))
	_, statErr := os.Stat(filepath.Join(dir, "t1.fbx"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = c.DownloadModel(context.Background(), h, task.FormatOBJ, sink, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	pending := task.NewPending("t2", task.TypeRigging, task.SourceNone)
	_, err = c.DownloadModel(context.Background(), pending, task.FormatGLB, sink, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
