package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/vendorflow/pkg/catalog"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// fakeGenerator finishes every task immediately with a GLB result
type fakeGenerator struct {
	mu       sync.Mutex
	seq      int
	requests []interface{}
	options  []core.StageOptions
	failOn   string
	delay    time.Duration

	inFlight    int32
	maxInFlight int32
}

func (f *fakeGenerator) finish(req interface{}, opts core.StageOptions, typ task.Type, source task.Source) (*task.Handle, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("%s-%d", typ, f.seq)
	f.requests = append(f.requests, req)
	f.options = append(f.options, opts)
	f.mu.Unlock()

	if f.failOn != "" && strings.Contains(fmt.Sprint(req), f.failOn) {
		return nil, &errors.TaskFailedError{TaskID: id, TaskType: string(typ), Status: "FAILED", Message: "boom"}
	}
	return &task.Handle{
		TaskID:     id,
		Type:       typ,
		Source:     source,
		Status:     task.StatusSucceeded,
		Progress:   100,
		ResultURLs: map[task.Format]string{task.FormatGLB: "https://x/" + id + ".glb"},
	}, nil
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) TextTo3D(_ context.Context, req core.TextTo3DRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeGeneration, task.SourceText)
}

func (f *fakeGenerator) ImageTo3D(_ context.Context, req core.ImageTo3DRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeGeneration, task.SourceImage)
}

func (f *fakeGenerator) Refine(_ context.Context, req core.RefineRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeRefinement, req.Source)
}

func (f *fakeGenerator) Rig(_ context.Context, req core.RigRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeRigging, task.SourceNone)
}

func (f *fakeGenerator) Animate(_ context.Context, req core.AnimateRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeAnimation, task.SourceNone)
}

func (f *fakeGenerator) Retexture(_ context.Context, req core.RetextureRequest, opts core.StageOptions) (*task.Handle, error) {
	return f.finish(req, opts, task.TypeRetexture, task.SourceNone)
}

func (f *fakeGenerator) GetTask(context.Context, string, task.Type, task.Source) (*task.Handle, error) {
	return nil, errors.New(errors.ErrorTypeInternal, "not used")
}

func (f *fakeGenerator) Wait(_ context.Context, h *task.Handle, _ core.StageOptions) (*task.Handle, error) {
	return h, nil
}

func (f *fakeGenerator) DownloadModel(ctx context.Context, h *task.Handle, format task.Format, sink storage.Sink, key string) (storage.Location, error) {
	u, err := h.URL(format)
	if err != nil {
		return storage.Location{}, err
	}
	return sink.Put(ctx, key, strings.NewReader(u), format.ContentType())
}

func (f *fakeGenerator) Close() error { return nil }

func (f *fakeGenerator) requestsOf(t *testing.T) []interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.requests...)
}

func newTestRunner(t *testing.T, gen *fakeGenerator, concurrency int) (*Runner, *catalog.MemoryStore, string) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Pipeline.MaxConcurrency = concurrency
	cfg.Polling.Interval = 2 * time.Second
	cfg.Polling.Timeout = time.Minute

	dir := t.TempDir()
	sink, err := storage.NewLocalSink(dir)
	require.NoError(t, err)
	store := catalog.NewMemoryStore()

	r := NewRunner(cfg, gen, sink, store, zap.NewNop())
	r.newRunID = func() string { return "run-1" }
	return r, store, dir
}

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func TestRunChainsStages(t *testing.T) {
	gen := &fakeGenerator{}
	r, store, dir := newTestRunner(t, gen, 2)

	m := &config.Manifest{
		Name: "woodland",
		Assets: []config.AssetSpec{{
			Name: "otter",
			Stages: []config.StageSpec{
				{Kind: config.StageTextTo3D, Prompt: "a river otter"},
				{Kind: config.StageRefine},
				{Kind: config.StageRig, HeightMeters: 0.6},
				{Kind: config.StageAnimate, ActionID: intPtr(0), FrameRate: 30},
			},
			Formats: []string{"glb", "fbx"},
		}},
	}

	result, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "fake", result.Connector)
	require.Len(t, result.Assets, 1)

	asset := result.Assets[0]
	require.NoError(t, asset.Err())
	require.Len(t, asset.Stages, 4)
	assert.Equal(t, []string{"fbx"}, asset.Skipped)

	reqs := gen.requestsOf(t)
	require.Len(t, reqs, 4)
	assert.Equal(t, core.TextTo3DRequest{Prompt: "a river otter"}, reqs[0])
	assert.Equal(t, core.RefineRequest{PreviewTaskID: "generation-1", Source: task.SourceText, EnablePBR: true}, reqs[1])
	assert.Equal(t, core.RigRequest{InputTaskID: "refinement-2", HeightMeters: 0.6}, reqs[2])
	assert.Equal(t, core.AnimateRequest{RigTaskID: "rigging-3", ActionID: 0, FrameRate: 30}, reqs[3])

	require.Len(t, asset.Stored, 1)
	assert.Equal(t, "run-1/otter/animation-4.glb", asset.Stored[0].Key)
	data, err := os.ReadFile(filepath.Join(dir, "run-1", "otter", "animation-4.glb"))
	require.NoError(t, err)
	assert.Equal(t, "https://x/animation-4.glb", string(data))

	entries, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	final, err := store.Get(context.Background(), "animation-4")
	require.NoError(t, err)
	assert.Equal(t, config.StageAnimate, final.Stage)
	assert.Equal(t, "otter", final.Asset)
	assert.Equal(t, "fake", final.Connector)
	assert.Equal(t, asset.Stored[0].URI, final.Stored["glb"])
}

func TestRunLogsCarryRunID(t *testing.T) {
	r, _, _ := newTestRunner(t, &fakeGenerator{}, 1)
	obs, logs := observer.New(zapcore.InfoLevel)
	r.logger = zap.New(obs)

	m := &config.Manifest{
		Name:   "solo",
		Assets: []config.AssetSpec{{Name: "crate", Stages: []config.StageSpec{{Kind: config.StageTextTo3D, Prompt: "a crate"}}}},
	}
	_, err := r.Run(context.Background(), m)
	require.NoError(t, err)

	for _, msg := range []string{"pipeline run started", "pipeline run finished"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "run-1", fields["run_id"], msg)
		assert.Equal(t, "solo", fields["manifest"], msg)
	}
}

func TestRunFromExistingTask(t *testing.T) {
	gen := &fakeGenerator{}
	r, _, _ := newTestRunner(t, gen, 1)

	m := &config.Manifest{
		Name: "restyle",
		Assets: []config.AssetSpec{
			{
				Name:       "statue",
				FromTaskID: "img-preview",
				FromSource: "image",
				Stages:     []config.StageSpec{{Kind: config.StageRefine, EnablePBR: boolPtr(false)}},
			},
			{
				Name:       "knight",
				FromTaskID: "rigged-knight",
				FromType:   "rigging",
				Stages: []config.StageSpec{
					{Kind: config.StageRetexture, Prompt: "bronze armor"},
				},
			},
		},
	}

	result, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed())

	reqs := gen.requestsOf(t)
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs, core.RefineRequest{PreviewTaskID: "img-preview", Source: task.SourceImage, EnablePBR: false})
	assert.Contains(t, reqs, core.RetextureRequest{
		InputTaskID:      "rigged-knight",
		TextStylePrompt:  "bronze armor",
		EnableOriginalUV: true,
		EnablePBR:        true,
	})
	assert.Equal(t, task.SourceImage, result.Assets[0].Stages[0].Handle.Source)
}

func TestRunIsolatesAssetFailures(t *testing.T) {
	gen := &fakeGenerator{failOn: "cursed"}
	r, store, _ := newTestRunner(t, gen, 2)

	m := &config.Manifest{
		Name: "mixed",
		Assets: []config.AssetSpec{
			{Name: "good", Stages: []config.StageSpec{{Kind: config.StageTextTo3D, Prompt: "a teapot"}}},
			{Name: "bad", Stages: []config.StageSpec{
				{Kind: config.StageTextTo3D, Prompt: "a cursed teapot"},
				{Kind: config.StageRig},
			}},
		},
	}

	result, err := r.Run(context.Background(), m)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Failed())

	assert.NoError(t, result.Assets[0].Err())
	assert.Len(t, result.Assets[0].Stored, 1)

	bad := result.Assets[1]
	assert.True(t, errors.IsTaskFailed(bad.Err()))
	assert.Equal(t, "1:text_to_3d", bad.FailedStage)
	assert.Empty(t, bad.Stages)
	assert.Contains(t, bad.Error, "boom")

	entries, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunAnimateRequiresActionID(t *testing.T) {
	gen := &fakeGenerator{}
	r, _, _ := newTestRunner(t, gen, 1)

	m := &config.Manifest{
		Name: "dance",
		Assets: []config.AssetSpec{{
			Name:       "bear",
			FromTaskID: "rig-1",
			FromType:   "rigging",
			Stages:     []config.StageSpec{{Kind: config.StageAnimate}},
		}},
	}

	result, err := r.Run(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.IsType(result.Assets[0].Err(), errors.ErrorTypeValidation))
	assert.Empty(t, gen.requestsOf(t))
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	gen := &fakeGenerator{delay: 20 * time.Millisecond}
	r, _, _ := newTestRunner(t, gen, 2)

	m := &config.Manifest{Name: "crowd"}
	for i := 0; i < 6; i++ {
		m.Assets = append(m.Assets, config.AssetSpec{
			Name:   fmt.Sprintf("npc-%d", i),
			Stages: []config.StageSpec{{Kind: config.StageTextTo3D, Prompt: "a villager"}},
		})
	}

	result, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, result.Assets, 6)
	for i, a := range result.Assets {
		assert.Equal(t, fmt.Sprintf("npc-%d", i), a.Asset)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&gen.maxInFlight), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&gen.maxInFlight), int32(1))
}

func TestRunCanceled(t *testing.T) {
	gen := &fakeGenerator{}
	r, _, _ := newTestRunner(t, gen, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &config.Manifest{
		Name:   "late",
		Assets: []config.AssetSpec{{Name: "a", Stages: []config.StageSpec{{Kind: config.StageTextTo3D, Prompt: "x"}}}},
	}
	result, err := r.Run(ctx, m)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
	assert.True(t, errors.IsType(result.Assets[0].Err(), errors.ErrorTypeCanceled))
	assert.Empty(t, gen.requestsOf(t))
}

func TestRunRejectsInvalidManifest(t *testing.T) {
	r, _, _ := newTestRunner(t, &fakeGenerator{}, 1)

	_, err := r.Run(context.Background(), &config.Manifest{Name: "empty"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = r.Run(context.Background(), &config.Manifest{
		Name:   "orphan",
		Assets: []config.AssetSpec{{Name: "a", Stages: []config.StageSpec{{Kind: config.StageRig}}}},
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestStageOptionsPrecedence(t *testing.T) {
	gen := &fakeGenerator{}
	r, _, _ := newTestRunner(t, gen, 1)

	opts := r.stageOptions(config.StageDefaults{}, config.StageSpec{})
	assert.Equal(t, core.StageOptions{Wait: true, PollInterval: 2 * time.Second, Timeout: time.Minute}, opts)

	opts = r.stageOptions(config.StageDefaults{PollInterval: 3 * time.Second, Timeout: 5 * time.Minute}, config.StageSpec{})
	assert.Equal(t, 3*time.Second, opts.PollInterval)
	assert.Equal(t, 5*time.Minute, opts.Timeout)

	opts = r.stageOptions(config.StageDefaults{PollInterval: 3 * time.Second, Timeout: 5 * time.Minute},
		config.StageSpec{PollInterval: time.Second, Timeout: -1})
	assert.Equal(t, time.Second, opts.PollInterval)
	assert.Equal(t, time.Duration(-1), opts.Timeout)
	assert.True(t, opts.Wait)
}
