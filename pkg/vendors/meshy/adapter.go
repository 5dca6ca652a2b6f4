package meshy

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// Every field is a pointer so that absent keys decode to nil and produce
// empty values instead of failing.

type taskError struct {
	Message *string `json:"message"`
}

type commonFields struct {
	ID           *string    `json:"id"`
	Status       *string    `json:"status"`
	Progress     *int       `json:"progress"`
	ThumbnailURL *string    `json:"thumbnail_url"`
	TaskError    *taskError `json:"task_error"`
	CreatedAt    *int64     `json:"created_at"`
	FinishedAt   *int64     `json:"finished_at"`
}

type modelURLs struct {
	GLB  *string `json:"glb"`
	FBX  *string `json:"fbx"`
	OBJ  *string `json:"obj"`
	USDZ *string `json:"usdz"`
	MTL  *string `json:"mtl"`
}

// generationResult covers text-to-3d, image-to-3d and refine tasks
type generationResult struct {
	commonFields
	ModelURLs *modelURLs `json:"model_urls"`
}

// retextureResult has the generation shape
type retextureResult struct {
	generationResult
}

type riggingOutput struct {
	GLB *string `json:"rigged_character_glb_url"`
	FBX *string `json:"rigged_character_fbx_url"`
}

type riggingResult struct {
	commonFields
	Result *riggingOutput `json:"result"`
}

type animationOutput struct {
	GLB *string `json:"animation_glb_url"`
	FBX *string `json:"animation_fbx_url"`
}

// animationResult accepts the URLs either at the top level or under "result"
type animationResult struct {
	commonFields
	animationOutput
	Result *animationOutput `json:"result"`
}

// variant is one decoded response shape
type variant interface {
	toHandle(typ task.Type, source task.Source) (*task.Handle, error)
}

// Adapt decodes a status response for a task of type typ into a handle
func Adapt(typ task.Type, source task.Source, body []byte) (*task.Handle, error) {
	var v variant
	switch typ {
	case task.TypeGeneration, task.TypeRefinement:
		v = &generationResult{}
	case task.TypeRigging:
		v = &riggingResult{}
	case task.TypeAnimation:
		v = &animationResult{}
	case task.TypeRetexture:
		v = &retextureResult{}
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown task type %q", typ)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode task response").
			WithDetail("task_type", string(typ))
	}
	return v.toHandle(typ, source)
}

func (r *generationResult) toHandle(typ task.Type, source task.Source) (*task.Handle, error) {
	h, err := r.commonFields.handle(typ, source)
	if err != nil {
		return nil, err
	}
	if r.ModelURLs != nil {
		setURL(h, task.FormatGLB, r.ModelURLs.GLB)
		setURL(h, task.FormatFBX, r.ModelURLs.FBX)
		setURL(h, task.FormatOBJ, r.ModelURLs.OBJ)
		setURL(h, task.FormatUSDZ, r.ModelURLs.USDZ)
		setURL(h, task.FormatMTL, r.ModelURLs.MTL)
	}
	h.Normalize()
	return h, nil
}

func (r *riggingResult) toHandle(typ task.Type, source task.Source) (*task.Handle, error) {
	h, err := r.commonFields.handle(typ, source)
	if err != nil {
		return nil, err
	}
	if r.Result != nil {
		setURL(h, task.FormatGLB, r.Result.GLB)
		setURL(h, task.FormatFBX, r.Result.FBX)
	}
	h.Normalize()
	return h, nil
}

func (r *animationResult) toHandle(typ task.Type, source task.Source) (*task.Handle, error) {
	h, err := r.commonFields.handle(typ, source)
	if err != nil {
		return nil, err
	}
	// flat fields win over the nested copy
	if r.Result != nil {
		setURL(h, task.FormatGLB, r.Result.GLB)
		setURL(h, task.FormatFBX, r.Result.FBX)
	}
	setURL(h, task.FormatGLB, r.animationOutput.GLB)
	setURL(h, task.FormatFBX, r.animationOutput.FBX)
	h.Normalize()
	return h, nil
}

// handle builds the shared part of every variant. A missing status is
// treated as PENDING.
func (c *commonFields) handle(typ task.Type, source task.Source) (*task.Handle, error) {
	h := &task.Handle{
		TaskID:       deref(c.ID),
		Type:         typ,
		Source:       source,
		Status:       task.StatusPending,
		ThumbnailURL: deref(c.ThumbnailURL),
		CreatedAt:    epochMillis(c.CreatedAt),
		FinishedAt:   epochMillis(c.FinishedAt),
	}
	if c.Status != nil && *c.Status != "" {
		status, err := task.ParseStatus(*c.Status)
		if err != nil {
			return nil, err
		}
		h.Status = status
	}
	if c.Progress != nil {
		h.Progress = *c.Progress
	}
	if c.TaskError != nil {
		h.Error = deref(c.TaskError.Message)
	}
	return h, nil
}

func setURL(h *task.Handle, f task.Format, u *string) {
	if u == nil || *u == "" {
		return
	}
	if h.ResultURLs == nil {
		h.ResultURLs = make(map[task.Format]string)
	}
	h.ResultURLs[f] = *u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func epochMillis(ms *int64) time.Time {
	if ms == nil || *ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(*ms).UTC()
}
