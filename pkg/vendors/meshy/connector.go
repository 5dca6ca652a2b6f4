// Package meshy implements the Meshy 3D generation connector: text and image
// generation, refinement, rigging, animation and retexturing, each either
// fire-and-forget or blocking until the remote task finishes.
package meshy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/clients"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
	"github.com/ajitpratap0/vendorflow/pkg/metrics"
	"github.com/ajitpratap0/vendorflow/pkg/observability"
	"github.com/ajitpratap0/vendorflow/pkg/poller"
	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// Name is the registry name and rate limiter class of the connector
const Name = "meshy"

const (
	textTo3DPath   = "v2/text-to-3d"
	imageTo3DPath  = "v2/image-to-3d"
	riggingPath    = "v1/rigging"
	animationsPath = "v1/animations"
	retexturePath  = "v1/retexture"

	defaultArtStyle = "realistic"
)

var _ core.AssetGenerator = (*Connector)(nil)

// Connector talks to the Meshy OpenAPI. It is safe for concurrent use; all
// connectors built from the same limiter registry share one request gate.
type Connector struct {
	client   *clients.HTTPClient
	poller   *poller.Poller
	tracer   *observability.ConnectorTracer
	logger   *zap.Logger
	defaults core.StageOptions
}

// Option customizes a Connector
type Option func(*options)

type options struct {
	poller *poller.Poller
	retry  *clients.RetryPolicy
}

// WithPoller replaces the poller, typically to inject a fake clock
func WithPoller(p *poller.Poller) Option {
	return func(o *options) { o.poller = p }
}

// WithRetryPolicy replaces the policy derived from the reliability config
func WithRetryPolicy(rp *clients.RetryPolicy) Option {
	return func(o *options) { o.retry = rp }
}

// New creates a connector. It fails with an authentication error when no API
// key is configured.
func New(cfg *config.Config, limiters *clients.LimiterRegistry, logger *zap.Logger, opts ...Option) (*Connector, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if cfg.Meshy.APIKey == "" {
		return nil, errors.New(errors.ErrorTypeAuthentication, "meshy api key is not set (MESHY_API_KEY)")
	}
	if limiters == nil {
		limiters = clients.DefaultRegistry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("connector", Name))

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		o.retry = retryPolicy(cfg.Reliability)
	}

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.Name = Name
	httpCfg.BaseURL = cfg.Meshy.BaseURL
	if httpCfg.BaseURL == "" {
		httpCfg.BaseURL = config.DefaultMeshyBaseURL
	}
	httpCfg.APIKey = cfg.Meshy.APIKey
	if cfg.Meshy.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.Meshy.RequestTimeout
	}

	limiter := limiters.For(Name, cfg.Meshy.MinRequestInterval)

	if o.poller == nil {
		o.poller = poller.New(
			poller.WithLogger(logger),
			poller.WithOnProgress(func(h *task.Handle, elapsed time.Duration) {
				logger.Info("task progress",
					zap.String("task_id", h.TaskID),
					zap.String("task_type", h.Type.String()),
					zap.String("status", h.Status.String()),
					zap.Int("progress", h.Progress),
					zap.Duration("elapsed", elapsed))
			}),
		)
	}

	return &Connector{
		client: clients.NewHTTPClient(httpCfg, limiter, o.retry, logger),
		poller: o.poller,
		tracer: observability.NewConnectorTracer(Name),
		logger: logger,
		defaults: core.StageOptions{
			Wait:         true,
			PollInterval: cfg.Polling.Interval,
			Timeout:      cfg.Polling.Timeout,
		}.WithDefaults(),
	}, nil
}

func retryPolicy(rel config.ReliabilityConfig) *clients.RetryPolicy {
	rp := clients.DefaultRetryPolicy()
	if rel.RetryAttempts > 0 {
		rp = rp.WithMaxAttempts(rel.RetryAttempts)
	}
	if rel.RetryDelay > 0 {
		maxDelay := rel.MaxRetryDelay
		if maxDelay <= 0 {
			maxDelay = rp.MaxDelay
		}
		rp = rp.WithDelay(rel.RetryDelay, maxDelay)
	}
	if rel.RetryMultiplier >= 1 {
		rp.Multiplier = rel.RetryMultiplier
	}
	return rp.WithRandomization(rel.RetryJitter)
}

// Name returns "meshy"
func (c *Connector) Name() string {
	return Name
}

type textTo3DBody struct {
	Mode string `json:"mode"`
	core.TextTo3DRequest
}

// TextTo3D creates a preview model from a prompt
func (c *Connector) TextTo3D(ctx context.Context, req core.TextTo3DRequest, opts core.StageOptions) (*task.Handle, error) {
	if req.ArtStyle == "" {
		req.ArtStyle = defaultArtStyle
	}
	body := textTo3DBody{Mode: "preview", TextTo3DRequest: req}
	return c.runStage(ctx, "text_to_3d", req, textTo3DPath, body, task.TypeGeneration, task.SourceText, opts)
}

// ImageTo3D creates a model from an image URL
func (c *Connector) ImageTo3D(ctx context.Context, req core.ImageTo3DRequest, opts core.StageOptions) (*task.Handle, error) {
	return c.runStage(ctx, "image_to_3d", req, imageTo3DPath, req, task.TypeGeneration, task.SourceImage, opts)
}

type refineBody struct {
	Mode          string `json:"mode,omitempty"`
	PreviewTaskID string `json:"preview_task_id,omitempty"`
	EnablePBR     bool   `json:"enable_pbr"`
}

// Refine textures a preview. Text previews are refined through the
// text-to-3d endpoint, image previews through their own refine route.
func (c *Connector) Refine(ctx context.Context, req core.RefineRequest, opts core.StageOptions) (*task.Handle, error) {
	if req.Source == task.SourceImage {
		path := imageTo3DPath + "/" + url.PathEscape(req.PreviewTaskID) + "/refine"
		body := refineBody{EnablePBR: req.EnablePBR}
		return c.runStage(ctx, "refine", req, path, body, task.TypeRefinement, task.SourceImage, opts)
	}
	body := refineBody{Mode: "refine", PreviewTaskID: req.PreviewTaskID, EnablePBR: req.EnablePBR}
	return c.runStage(ctx, "refine", req, textTo3DPath, body, task.TypeRefinement, task.SourceText, opts)
}

// Rig adds a skeleton to a generated model
func (c *Connector) Rig(ctx context.Context, req core.RigRequest, opts core.StageOptions) (*task.Handle, error) {
	body := req
	if body.HeightMeters == 0 {
		body.HeightMeters = core.DefaultHeightMeters
	}
	return c.runStage(ctx, "rig", req, riggingPath, body, task.TypeRigging, task.SourceNone, opts)
}

type postProcess struct {
	OperationType string `json:"operation_type"`
	FPS           int    `json:"fps"`
}

type animateBody struct {
	RigTaskID   string       `json:"rig_task_id"`
	ActionID    int          `json:"action_id"`
	PostProcess *postProcess `json:"post_process,omitempty"`
}

// Animate applies a library animation to a rigged model
func (c *Connector) Animate(ctx context.Context, req core.AnimateRequest, opts core.StageOptions) (*task.Handle, error) {
	body := animateBody{RigTaskID: req.RigTaskID, ActionID: req.ActionID}
	if req.FrameRate > 0 {
		body.PostProcess = &postProcess{OperationType: "change_fps", FPS: req.FrameRate}
	}
	return c.runStage(ctx, "animate", req, animationsPath, body, task.TypeAnimation, task.SourceNone, opts)
}

// Retexture applies new textures to a model
func (c *Connector) Retexture(ctx context.Context, req core.RetextureRequest, opts core.StageOptions) (*task.Handle, error) {
	return c.runStage(ctx, "retexture", req, retexturePath, req, task.TypeRetexture, task.SourceNone, opts)
}

// runStage validates req, creates the task and optionally waits for it
func (c *Connector) runStage(ctx context.Context, stage string, req interface{}, path string, body interface{},
	typ task.Type, source task.Source, opts core.StageOptions) (*task.Handle, error) {
	return c.tracer.TraceStage(ctx, stage, func(ctx context.Context) (*task.Handle, error) {
		if err := config.ValidateStruct(req); err != nil {
			return nil, err
		}

		taskID, err := c.create(ctx, path, body)
		if err != nil {
			return nil, err
		}
		c.logger.With(logger.Fields(ctx, logger.RunIDKey)...).Info("task created",
			zap.String("stage", stage),
			zap.String("task_id", taskID),
			zap.Bool("wait", opts.Wait))

		h := task.NewPending(taskID, typ, source)
		if !opts.Wait {
			return h, nil
		}
		return c.Wait(ctx, h, opts)
	})
}

// create posts body and returns the id of the new task
func (c *Connector) create(ctx context.Context, path string, body interface{}) (string, error) {
	resp, err := c.client.Do(ctx, clients.Request{Method: http.MethodPost, Path: path, JSON: body})
	if err != nil {
		return "", err
	}

	var created struct {
		Result *string `json:"result"`
	}
	if err := resp.Decode(&created); err != nil {
		return "", err
	}
	if created.Result == nil || *created.Result == "" {
		return "", errors.New(errors.ErrorTypeData, "task creation response has no task id").
			WithDetail("path", path)
	}
	return *created.Result, nil
}

// GetTask fetches the current snapshot of a task
func (c *Connector) GetTask(ctx context.Context, taskID string, typ task.Type, source task.Source) (*task.Handle, error) {
	if taskID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "task id is required")
	}
	base, err := statusPath(typ, source)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(ctx, clients.Request{Method: http.MethodGet, Path: base + "/" + url.PathEscape(taskID)})
	if err != nil {
		return nil, err
	}

	h, err := Adapt(typ, source, resp.Body)
	if err != nil {
		return nil, err
	}
	if h.TaskID == "" {
		h.TaskID = taskID
	}
	return h, nil
}

func statusPath(typ task.Type, source task.Source) (string, error) {
	switch typ {
	case task.TypeGeneration, task.TypeRefinement:
		if source == task.SourceImage {
			return imageTo3DPath, nil
		}
		return textTo3DPath, nil
	case task.TypeRigging:
		return riggingPath, nil
	case task.TypeAnimation:
		return animationsPath, nil
	case task.TypeRetexture:
		return retexturePath, nil
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "unknown task type %q", typ).
			WithDetail("task_type", string(typ))
	}
}

// Wait polls h until it is terminal and returns the refreshed handle. h
// itself is not modified.
func (c *Connector) Wait(ctx context.Context, h *task.Handle, opts core.StageOptions) (*task.Handle, error) {
	if h == nil || h.TaskID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "a task handle with an id is required")
	}
	opts = c.resolve(opts)

	fetch := func(ctx context.Context, taskID string) (*task.Handle, error) {
		return c.GetTask(ctx, taskID, h.Type, h.Source)
	}
	final, err := c.poller.Poll(ctx, h.TaskID, opts.PollInterval, opts.Timeout, fetch)
	if err != nil {
		return nil, err
	}

	out := h.Clone()
	if err := out.Refresh(final); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve fills unset durations from the configured polling defaults
func (c *Connector) resolve(opts core.StageOptions) core.StageOptions {
	if opts.PollInterval <= 0 {
		opts.PollInterval = c.defaults.PollInterval
	}
	if opts.Timeout == 0 {
		opts.Timeout = c.defaults.Timeout
	}
	return opts.WithDefaults()
}

// DownloadModel streams the file for format into sink. An empty key stores
// it as <task id>.<format>.
func (c *Connector) DownloadModel(ctx context.Context, h *task.Handle, format task.Format, sink storage.Sink, key string) (storage.Location, error) {
	if h == nil {
		return storage.Location{}, errors.New(errors.ErrorTypeValidation, "task handle is required")
	}
	modelURL, err := h.URL(format)
	if err != nil {
		return storage.Location{}, err
	}
	if key == "" {
		key = storage.ObjectKey("", "", h.TaskID, string(format))
	}

	var loc storage.Location
	err = c.tracer.Trace(ctx, "download", func(ctx context.Context) error {
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			_, err := c.client.Download(ctx, modelURL, pw)
			pw.CloseWithError(err)
			done <- err
		}()

		var putErr error
		loc, putErr = sink.Put(ctx, key, pr, format.ContentType())
		pr.CloseWithError(io.ErrClosedPipe)
		// a failed sink surfaces in the download as a closed pipe
		dlErr := <-done
		if dlErr != nil && (putErr == nil || !stderrors.Is(dlErr, io.ErrClosedPipe)) {
			return dlErr
		}
		return putErr
	})
	if err != nil {
		return storage.Location{}, err
	}

	metrics.AssetsStored.WithLabelValues(sink.Name(), string(format)).Inc()
	c.logger.With(logger.Fields(ctx, logger.RunIDKey)...).Info("model stored",
		zap.String("task_id", h.TaskID),
		zap.String("format", string(format)),
		zap.String("uri", loc.URI),
		zap.Int64("bytes", loc.Bytes))
	return loc, nil
}

// Stats returns request statistics for this connector's client
func (c *Connector) Stats() clients.HTTPStats {
	return c.client.GetStats()
}

// Close releases the HTTP transport
func (c *Connector) Close() error {
	return c.client.Close()
}
