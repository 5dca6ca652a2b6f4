// Package pipeline runs asset manifests: each asset is a chain of provider
// stages (generate, refine, rig, animate, retexture) executed in order, with
// independent assets running concurrently.
//
// # Overview
//
// For every asset the runner:
//   - starts from a generation stage, or from an existing task id
//   - runs each stage blocking until its task is terminal
//   - records every finished task in the catalog
//   - downloads the requested formats of the final task into the sink
//
// A failing asset does not stop the others. Cancelling the context stops
// all of them at their next suspension point.
//
// # Basic Usage
//
//	runner := pipeline.NewRunner(cfg, generator, sink, store, logger)
//	result, err := runner.Run(ctx, manifest)
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/vendorflow/pkg/catalog"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// Runner executes manifests against one asset generator
type Runner struct {
	generator      core.AssetGenerator
	sink           storage.Sink
	catalog        catalog.Store
	logger         *zap.Logger
	maxConcurrency int
	formats        []string
	defaults       core.StageOptions
	newRunID       func() string
}

// NewRunner creates a runner. sink and store may be nil, in which case
// nothing is downloaded or recorded.
func NewRunner(cfg *config.Config, generator core.AssetGenerator, sink storage.Sink, store catalog.Store, log *zap.Logger) *Runner {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	concurrency := cfg.Pipeline.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		generator:      generator,
		sink:           sink,
		catalog:        store,
		logger:         log.With(zap.String("component", "pipeline")),
		maxConcurrency: concurrency,
		formats:        cfg.Pipeline.Formats,
		defaults: core.StageOptions{
			Wait:         true,
			PollInterval: cfg.Polling.Interval,
			Timeout:      cfg.Polling.Timeout,
		},
		newRunID: func() string { return uuid.NewString() },
	}
}

// StageResult is the terminal handle produced by one stage
type StageResult struct {
	Stage  string       `json:"stage"`
	Handle *task.Handle `json:"handle"`
}

// AssetResult is the outcome of one asset chain
type AssetResult struct {
	Asset       string             `json:"asset"`
	Stages      []StageResult      `json:"stages"`
	Stored      []storage.Location `json:"stored,omitempty"`
	Skipped     []string           `json:"skipped_formats,omitempty"`
	FailedStage string             `json:"failed_stage,omitempty"`
	Error       string             `json:"error,omitempty"`
	Duration    time.Duration      `json:"duration"`

	err error
}

// Err returns the error that stopped the chain, if any
func (a *AssetResult) Err() error {
	return a.err
}

// RunResult summarizes a manifest run
type RunResult struct {
	RunID      string        `json:"run_id"`
	Manifest   string        `json:"manifest"`
	Connector  string        `json:"connector"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Assets     []AssetResult `json:"assets"`
}

// Failed counts the assets that did not complete
func (r *RunResult) Failed() int {
	n := 0
	for i := range r.Assets {
		if r.Assets[i].err != nil {
			n++
		}
	}
	return n
}

// Run executes every asset of m. Results keep manifest order. The returned
// error is non-nil when the manifest is invalid, when the context ends, or
// when at least one asset failed. The result is returned in the last two
// cases too.
func (r *Runner) Run(ctx context.Context, m *config.Manifest) (*RunResult, error) {
	if r.generator == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline has no generator")
	}
	if m == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "manifest is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	result := &RunResult{
		RunID:     r.newRunID(),
		Manifest:  m.Name,
		Connector: r.generator.Name(),
		StartedAt: time.Now().UTC(),
		Assets:    make([]AssetResult, len(m.Assets)),
	}
	ctx = logger.ContextWith(ctx, logger.RunIDKey, result.RunID)
	log := r.logger.With(logger.Fields(ctx)...).With(zap.String("manifest", m.Name))
	log.Info("pipeline run started",
		zap.Int("assets", len(m.Assets)),
		zap.Int("max_concurrency", r.maxConcurrency))

	var g errgroup.Group
	g.SetLimit(r.maxConcurrency)

	var mu sync.Mutex
	for i := range m.Assets {
		i, spec := i, m.Assets[i]
		g.Go(func() error {
			ar := r.runAsset(ctx, result.RunID, m.Defaults, spec, log.With(zap.String("asset", spec.Name)))
			mu.Lock()
			result.Assets[i] = ar
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	result.FinishedAt = time.Now().UTC()

	failed := result.Failed()
	log.Info("pipeline run finished",
		zap.Int("failed", failed),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))

	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(err, errors.ErrorTypeCanceled, "pipeline run canceled").
			WithDetail("run_id", result.RunID)
	}
	if failed > 0 {
		return result, errors.Newf(errors.ErrorTypeInternal, "%d of %d assets failed", failed, len(result.Assets)).
			WithDetail("run_id", result.RunID)
	}
	return result, nil
}

func (r *Runner) runAsset(ctx context.Context, runID string, defaults config.StageDefaults, spec config.AssetSpec, log *zap.Logger) AssetResult {
	start := time.Now()
	ar := AssetResult{Asset: spec.Name}
	fail := func(err error) AssetResult {
		ar.err = err
		ar.Error = err.Error()
		ar.Duration = time.Since(start)
		log.Error("asset failed",
			zap.Error(err),
			zap.String("failed_stage", ar.FailedStage),
			zap.Int("completed_stages", len(ar.Stages)))
		return ar
	}

	prev, err := startingPoint(spec)
	if err != nil {
		return fail(err)
	}

	for i, stage := range spec.Stages {
		if err := ctx.Err(); err != nil {
			return fail(errors.Wrap(err, errors.ErrorTypeCanceled, "asset canceled").WithDetail("stage", stage.Kind))
		}

		h, err := r.runStage(ctx, stage, prev, r.stageOptions(defaults, stage))
		if err != nil {
			ar.FailedStage = fmt.Sprintf("%d:%s", i+1, stage.Kind)
			return fail(err)
		}
		log.Info("stage finished",
			zap.String("stage", stage.Kind),
			zap.String("task_id", h.TaskID),
			zap.String("status", h.Status.String()))

		ar.Stages = append(ar.Stages, StageResult{Stage: stage.Kind, Handle: h})
		if err := r.record(ctx, runID, spec.Name, stage.Kind, h, nil); err != nil {
			return fail(err)
		}
		prev = h
	}

	formats := spec.Formats
	if len(formats) == 0 {
		formats = r.formats
	}
	if r.sink != nil && len(formats) > 0 {
		stored := make(map[string]string, len(formats))
		for _, raw := range formats {
			format, err := task.ParseFormat(raw)
			if err != nil {
				return fail(err)
			}
			if prev.ResultURLs[format] == "" {
				log.Warn("format not produced", zap.String("format", raw), zap.String("task_id", prev.TaskID))
				ar.Skipped = append(ar.Skipped, raw)
				continue
			}
			key := storage.ObjectKey(runID, spec.Name, prev.TaskID, raw)
			loc, err := r.generator.DownloadModel(ctx, prev, format, r.sink, key)
			if err != nil {
				return fail(err)
			}
			ar.Stored = append(ar.Stored, loc)
			stored[raw] = loc.URI
		}
		if len(stored) > 0 {
			last := spec.Stages[len(spec.Stages)-1].Kind
			if err := r.record(ctx, runID, spec.Name, last, prev, stored); err != nil {
				return fail(err)
			}
		}
	}

	ar.Duration = time.Since(start)
	log.Info("asset completed", zap.Int("stored", len(ar.Stored)), zap.Duration("duration", ar.Duration))
	return ar
}

// startingPoint returns the handle a chain builds on, nil for chains that
// begin with a generation stage
func startingPoint(spec config.AssetSpec) (*task.Handle, error) {
	if spec.FromTaskID == "" {
		return nil, nil
	}
	typ := task.TypeGeneration
	if spec.FromType != "" {
		t, err := task.ParseType(spec.FromType)
		if err != nil {
			return nil, err
		}
		typ = t
	}
	source, err := task.ParseSource(spec.FromSource)
	if err != nil {
		return nil, err
	}
	if source == task.SourceNone && (typ == task.TypeGeneration || typ == task.TypeRefinement) {
		source = task.SourceText
	}
	return task.NewPending(spec.FromTaskID, typ, source), nil
}

func (r *Runner) stageOptions(defaults config.StageDefaults, stage config.StageSpec) core.StageOptions {
	opts := r.defaults
	if defaults.PollInterval > 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if defaults.Timeout != 0 {
		opts.Timeout = defaults.Timeout
	}
	if stage.PollInterval > 0 {
		opts.PollInterval = stage.PollInterval
	}
	if stage.Timeout != 0 {
		opts.Timeout = stage.Timeout
	}
	return opts
}

// runStage maps a manifest stage onto the generator call that implements it
func (r *Runner) runStage(ctx context.Context, s config.StageSpec, prev *task.Handle, opts core.StageOptions) (*task.Handle, error) {
	if prev == nil && s.Kind != config.StageTextTo3D && s.Kind != config.StageImageTo3D {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s needs a previous task", s.Kind)
	}

	switch s.Kind {
	case config.StageTextTo3D:
		return r.generator.TextTo3D(ctx, core.TextTo3DRequest{
			Prompt:          s.Prompt,
			NegativePrompt:  s.NegativePrompt,
			ArtStyle:        s.ArtStyle,
			Topology:        s.Topology,
			TargetPolycount: s.TargetPolycount,
			EnablePBR:       boolOr(s.EnablePBR, false),
		}, opts)
	case config.StageImageTo3D:
		return r.generator.ImageTo3D(ctx, core.ImageTo3DRequest{
			ImageURL:        s.ImageURL,
			Topology:        s.Topology,
			TargetPolycount: s.TargetPolycount,
			EnablePBR:       boolOr(s.EnablePBR, false),
		}, opts)
	case config.StageRefine:
		return r.generator.Refine(ctx, core.RefineRequest{
			PreviewTaskID: prev.TaskID,
			Source:        prev.Source,
			EnablePBR:     boolOr(s.EnablePBR, true),
		}, opts)
	case config.StageRig:
		return r.generator.Rig(ctx, core.RigRequest{
			InputTaskID:  prev.TaskID,
			HeightMeters: s.HeightMeters,
		}, opts)
	case config.StageAnimate:
		if s.ActionID == nil {
			return nil, errors.New(errors.ErrorTypeValidation, "animate stage requires action_id")
		}
		return r.generator.Animate(ctx, core.AnimateRequest{
			RigTaskID: prev.TaskID,
			ActionID:  *s.ActionID,
			FrameRate: s.FrameRate,
		}, opts)
	case config.StageRetexture:
		return r.generator.Retexture(ctx, core.RetextureRequest{
			InputTaskID:      prev.TaskID,
			TextStylePrompt:  s.Prompt,
			ImageStyleURL:    s.ImageURL,
			EnableOriginalUV: boolOr(s.EnableOriginalUV, true),
			EnablePBR:        boolOr(s.EnablePBR, true),
		}, opts)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown stage kind %q", s.Kind)
	}
}

func (r *Runner) record(ctx context.Context, runID, asset, stage string, h *task.Handle, stored map[string]string) error {
	if r.catalog == nil {
		return nil
	}
	_, err := r.catalog.Record(ctx, catalog.Entry{
		RunID:     runID,
		Asset:     asset,
		Stage:     stage,
		Connector: r.generator.Name(),
		Handle:    *h,
		Stored:    stored,
	})
	return err
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
