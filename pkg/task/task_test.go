package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    Status
		wantErr bool
	}{
		{raw: "PENDING", want: StatusPending},
		{raw: "IN_PROGRESS", want: StatusInProgress},
		{raw: "SUCCEEDED", want: StatusSucceeded},
		{raw: "FAILED", want: StatusFailed},
		{raw: "EXPIRED", want: StatusExpired},
		{raw: "succeeded", want: StatusSucceeded},
		{raw: "CANCELED", want: StatusFailed},
		{raw: "QUEUED", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseStatus(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeData))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
}

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	got, err := ParseType(" Rigging ")
	require.NoError(t, err)
	assert.Equal(t, TypeRigging, got)

	_, err = ParseType("sculpting")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".GLB")
	require.NoError(t, err)
	assert.Equal(t, FormatGLB, f)
	assert.Equal(t, "model/gltf-binary", f.ContentType())

	_, err = ParseFormat("stl")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestHandle_Refresh(t *testing.T) {
	t.Run("moves forward through the lifecycle", func(t *testing.T) {
		h := NewPending("t1", TypeRigging, SourceNone)

		require.NoError(t, h.Refresh(&Handle{TaskID: "t1", Status: StatusInProgress, Progress: 40}))
		assert.Equal(t, StatusInProgress, h.Status)
		assert.Equal(t, 40, h.Progress)
		assert.Equal(t, TypeRigging, h.Type)

		require.NoError(t, h.Refresh(&Handle{
			TaskID:     "t1",
			Status:     StatusSucceeded,
			Progress:   100,
			ResultURLs: map[Format]string{FormatGLB: "https://x/model.glb", FormatFBX: ""},
		}))
		assert.Equal(t, StatusSucceeded, h.Status)
		assert.Equal(t, "https://x/model.glb", h.ModelURL())
		assert.Equal(t, []Format{FormatGLB}, h.AvailableFormats())
	})

	t.Run("pending may jump straight to terminal", func(t *testing.T) {
		h := NewPending("t2", TypeAnimation, SourceNone)
		require.NoError(t, h.Refresh(&Handle{TaskID: "t2", Status: StatusExpired}))
		assert.Equal(t, StatusExpired, h.Status)
	})

	t.Run("progress never decreases", func(t *testing.T) {
		h := &Handle{TaskID: "t3", Status: StatusInProgress, Progress: 60}
		require.NoError(t, h.Refresh(&Handle{TaskID: "t3", Status: StatusInProgress, Progress: 20}))
		assert.Equal(t, 60, h.Progress)
	})

	t.Run("rejected transitions leave the handle unchanged", func(t *testing.T) {
		tests := []struct {
			name string
			from Handle
			next Handle
		}{
			{
				name: "terminal to other terminal",
				from: Handle{TaskID: "t4", Status: StatusFailed, Error: "boom"},
				next: Handle{TaskID: "t4", Status: StatusSucceeded},
			},
			{
				name: "terminal back to running",
				from: Handle{TaskID: "t4", Status: StatusSucceeded, Progress: 100},
				next: Handle{TaskID: "t4", Status: StatusInProgress},
			},
			{
				name: "running back to pending",
				from: Handle{TaskID: "t4", Status: StatusInProgress, Progress: 10},
				next: Handle{TaskID: "t4", Status: StatusPending},
			},
			{
				name: "different task",
				from: Handle{TaskID: "t4", Status: StatusPending},
				next: Handle{TaskID: "t5", Status: StatusInProgress},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h := tt.from
				before := h
				err := h.Refresh(&tt.next)
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
				assert.Equal(t, before, h)
			})
		}
	})

	t.Run("failure snapshot drops result urls", func(t *testing.T) {
		h := NewPending("t6", TypeRetexture, SourceNone)
		require.NoError(t, h.Refresh(&Handle{
			TaskID:     "t6",
			Status:     StatusFailed,
			ResultURLs: map[Format]string{FormatGLB: "https://x/partial.glb"},
			Error:      "texture failed",
		}))
		assert.Nil(t, h.ResultURLs)
		assert.Empty(t, h.ModelURL())
	})
}

func TestHandle_URL(t *testing.T) {
	h := &Handle{
		TaskID:     "t1",
		Status:     StatusSucceeded,
		ResultURLs: map[Format]string{FormatGLB: "https://x/model.glb"},
	}

	u, err := h.URL(FormatGLB)
	require.NoError(t, err)
	assert.Equal(t, "https://x/model.glb", u)

	_, err = h.URL(FormatUSDZ)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	pending := NewPending("t2", TypeGeneration, SourceText)
	_, err = pending.URL(FormatGLB)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Empty(t, pending.ModelURL())
}

func TestHandle_Clone(t *testing.T) {
	h := &Handle{TaskID: "t1", Status: StatusSucceeded, ResultURLs: map[Format]string{FormatGLB: "a"}}
	c := h.Clone()
	c.ResultURLs[FormatGLB] = "b"
	assert.Equal(t, "a", h.ResultURLs[FormatGLB])
}
