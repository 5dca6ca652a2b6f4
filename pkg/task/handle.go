package task

import (
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Handle is the caller-visible snapshot of a remote task. A handle returned by
// a stage with Wait disabled is PENDING; refreshing it with later snapshots
// moves it forward but never backward.
type Handle struct {
	TaskID       string            `json:"task_id"`
	Type         Type              `json:"task_type"`
	Source       Source            `json:"source,omitempty"`
	Status       Status            `json:"status"`
	Progress     int               `json:"progress"`
	ResultURLs   map[Format]string `json:"result_urls,omitempty"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// NewPending returns the handle for a freshly created task
func NewPending(taskID string, typ Type, source Source) *Handle {
	return &Handle{
		TaskID: taskID,
		Type:   typ,
		Source: source,
		Status: StatusPending,
	}
}

// Normalize enforces the handle invariants on a freshly decoded snapshot:
// progress within 0..100 and result URLs only on success.
func (h *Handle) Normalize() {
	if h.Progress < 0 {
		h.Progress = 0
	}
	if h.Progress > 100 {
		h.Progress = 100
	}
	if h.Status == StatusSucceeded {
		h.Progress = 100
	} else {
		h.ResultURLs = nil
	}
	for f, u := range h.ResultURLs {
		if u == "" {
			delete(h.ResultURLs, f)
		}
	}
}

// Refresh applies a newer snapshot of the same task. It fails with a conflict
// error, leaving h untouched, if the snapshot belongs to another task, would
// leave a terminal state, or would move the status backwards.
func (h *Handle) Refresh(next *Handle) error {
	if next == nil {
		return errors.New(errors.ErrorTypeValidation, "nil task snapshot")
	}
	if next.TaskID != "" && h.TaskID != "" && next.TaskID != h.TaskID {
		return errors.Newf(errors.ErrorTypeConflict, "snapshot for task %s applied to task %s", next.TaskID, h.TaskID)
	}
	if h.Status.IsTerminal() && next.Status != h.Status {
		return errors.Newf(errors.ErrorTypeConflict, "task %s is %s and cannot become %s", h.TaskID, h.Status, next.Status).
			WithDetail("task_id", h.TaskID)
	}
	if next.Status.rank() < h.Status.rank() {
		return errors.Newf(errors.ErrorTypeConflict, "task %s cannot move from %s back to %s", h.TaskID, h.Status, next.Status).
			WithDetail("task_id", h.TaskID)
	}

	progress := h.Progress
	if next.Progress > progress {
		progress = next.Progress
	}

	typ, source := h.Type, h.Source
	if typ == "" {
		typ = next.Type
	}
	if source == "" {
		source = next.Source
	}

	taskID := h.TaskID
	*h = *next.Clone()
	if h.TaskID == "" {
		h.TaskID = taskID
	}
	h.Type = typ
	h.Source = source
	h.Progress = progress
	h.Normalize()
	return nil
}

// URL returns the download URL for format. It is a validation error to ask
// for a URL before success or for a format the task did not produce.
func (h *Handle) URL(format Format) (string, error) {
	if h.Status != StatusSucceeded {
		return "", errors.Newf(errors.ErrorTypeValidation, "task %s is %s, not %s", h.TaskID, h.Status, StatusSucceeded).
			WithDetail("task_id", h.TaskID)
	}
	u, ok := h.ResultURLs[format]
	if !ok || u == "" {
		return "", errors.Newf(errors.ErrorTypeValidation, "format %s not available for task %s", format, h.TaskID).
			WithDetail("available", h.AvailableFormats())
	}
	return u, nil
}

// ModelURL returns the GLB URL, or "" if none is available
func (h *Handle) ModelURL() string {
	if h.Status != StatusSucceeded {
		return ""
	}
	return h.ResultURLs[FormatGLB]
}

// AvailableFormats lists the formats with a result URL, in Formats order
func (h *Handle) AvailableFormats() []Format {
	var out []Format
	for _, f := range Formats {
		if h.ResultURLs[f] != "" {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy
func (h *Handle) Clone() *Handle {
	c := *h
	if h.ResultURLs != nil {
		c.ResultURLs = make(map[Format]string, len(h.ResultURLs))
		for f, u := range h.ResultURLs {
			c.ResultURLs[f] = u
		}
	}
	return &c
}
