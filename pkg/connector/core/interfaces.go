package core

import (
	"context"
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

const (
	// DefaultPollInterval is the wait between status checks
	DefaultPollInterval = 5 * time.Second
	// DefaultTimeout bounds how long a stage waits for its task
	DefaultTimeout = 600 * time.Second
	// DefaultHeightMeters is the character height assumed by rigging
	DefaultHeightMeters = 1.7
	// MaxActionID is the highest animation id in the provider's library
	MaxActionID = 677
)

// StageOptions controls whether a stage blocks until its task finishes
type StageOptions struct {
	// Wait polls until the task is terminal. Without it the stage returns
	// a PENDING handle as soon as the task is created.
	Wait         bool
	PollInterval time.Duration
	// Timeout of zero means DefaultTimeout. A negative timeout still allows
	// exactly one status check.
	Timeout time.Duration
}

// DefaultStageOptions waits with the default interval and timeout
func DefaultStageOptions() StageOptions {
	return StageOptions{
		Wait:         true,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
	}
}

// WithDefaults fills unset durations
func (o StageOptions) WithDefaults() StageOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// TextTo3DRequest creates a preview model from a prompt
type TextTo3DRequest struct {
	Prompt          string `json:"prompt" validate:"required,max=600"`
	NegativePrompt  string `json:"negative_prompt,omitempty" validate:"max=600"`
	ArtStyle        string `json:"art_style,omitempty" validate:"omitempty,oneof=realistic sculpture cartoon low-poly pbr"`
	Topology        string `json:"topology,omitempty" validate:"omitempty,oneof=quad triangle"`
	TargetPolycount int    `json:"target_polycount,omitempty" validate:"omitempty,min=100,max=300000"`
	EnablePBR       bool   `json:"enable_pbr"`
}

// ImageTo3DRequest creates a model from a public image URL or data URI
type ImageTo3DRequest struct {
	ImageURL        string `json:"image_url" validate:"required"`
	Topology        string `json:"topology,omitempty" validate:"omitempty,oneof=quad triangle"`
	TargetPolycount int    `json:"target_polycount,omitempty" validate:"omitempty,min=100,max=300000"`
	EnablePBR       bool   `json:"enable_pbr"`
}

// RefineRequest textures a finished preview. Source selects the endpoint the
// preview came from; empty means text.
type RefineRequest struct {
	PreviewTaskID string      `json:"preview_task_id" validate:"required"`
	Source        task.Source `json:"-" validate:"omitempty,oneof=text image"`
	EnablePBR     bool        `json:"enable_pbr"`
}

// RigRequest adds a skeleton to a generated model. HeightMeters of zero
// means DefaultHeightMeters.
type RigRequest struct {
	InputTaskID  string  `json:"input_task_id" validate:"required"`
	HeightMeters float64 `json:"height_meters" validate:"omitempty,gt=0"`
}

// AnimateRequest applies a library animation to a rigged model. FrameRate of
// zero keeps the provider's default.
type AnimateRequest struct {
	RigTaskID string `json:"rig_task_id" validate:"required"`
	ActionID  int    `json:"action_id" validate:"min=0,max=677"`
	FrameRate int    `json:"-" validate:"omitempty,oneof=24 25 30 60"`
}

// RetextureRequest applies new textures described by a prompt or a style image
type RetextureRequest struct {
	InputTaskID      string `json:"input_task_id" validate:"required"`
	TextStylePrompt  string `json:"text_style_prompt,omitempty" validate:"required_without=ImageStyleURL,max=600"`
	ImageStyleURL    string `json:"image_style_url,omitempty"`
	EnableOriginalUV bool   `json:"enable_original_uv"`
	EnablePBR        bool   `json:"enable_pbr"`
}

// TaskConnector is the read side of a vendor connector: status, waiting
// and downloads for tasks that already exist.
type TaskConnector interface {
	// Name returns the registry name of the connector
	Name() string

	// GetTask fetches one status snapshot. source only matters for
	// generation tasks.
	GetTask(ctx context.Context, taskID string, typ task.Type, source task.Source) (*task.Handle, error)

	// Wait polls h until it is terminal, returning the final handle
	Wait(ctx context.Context, h *task.Handle, opts StageOptions) (*task.Handle, error)

	// DownloadModel streams the result file in format to sink under key
	DownloadModel(ctx context.Context, h *task.Handle, format task.Format, sink storage.Sink, key string) (storage.Location, error)

	// Close releases the HTTP transport; later calls recreate it
	Close() error
}

// AssetGenerator runs the generate, refine, rig, animate and retexture
// stages of a 3D asset pipeline. Every stage returns a PENDING handle when
// opts.Wait is false, or the terminal handle otherwise.
type AssetGenerator interface {
	TaskConnector

	TextTo3D(ctx context.Context, req TextTo3DRequest, opts StageOptions) (*task.Handle, error)
	ImageTo3D(ctx context.Context, req ImageTo3DRequest, opts StageOptions) (*task.Handle, error)
	Refine(ctx context.Context, req RefineRequest, opts StageOptions) (*task.Handle, error)
	Rig(ctx context.Context, req RigRequest, opts StageOptions) (*task.Handle, error)
	Animate(ctx context.Context, req AnimateRequest, opts StageOptions) (*task.Handle, error)
	Retexture(ctx context.Context, req RetextureRequest, opts StageOptions) (*task.Handle, error)
}
