package meshy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

func TestAdaptShapes(t *testing.T) {
	tests := []struct {
		name     string
		typ      task.Type
		body     string
		wantGLB  string
		wantFBX  string
		wantThmb string
	}{
		{
			name: "model_urls",
			typ:  task.TypeGeneration,
			body: `{"id":"g1","status":"SUCCEEDED","progress":100,
				"model_urls":{"glb":"https://x/g1.glb","fbx":"https://x/g1.fbx","usdz":""},
				"thumbnail_url":"https://x/g1.png"}`,
			wantGLB:  "https://x/g1.glb",
			wantFBX:  "https://x/g1.fbx",
			wantThmb: "https://x/g1.png",
		},
		{
			name:    "rigged character",
			typ:     task.TypeRigging,
			body:    `{"id":"r1","status":"SUCCEEDED","progress":100,"result":{"rigged_character_glb_url":"https://x/r1.glb","rigged_character_fbx_url":"https://x/r1.fbx"}}`,
			wantGLB: "https://x/r1.glb",
			wantFBX: "https://x/r1.fbx",
		},
		{
			name:    "animation flat",
			typ:     task.TypeAnimation,
			body:    `{"id":"a1","status":"SUCCEEDED","progress":100,"animation_glb_url":"https://x/a1.glb"}`,
			wantGLB: "https://x/a1.glb",
		},
		{
			name:    "animation nested",
			typ:     task.TypeAnimation,
			body:    `{"id":"a2","status":"SUCCEEDED","progress":100,"result":{"animation_glb_url":"https://x/a2.glb","animation_fbx_url":"https://x/a2.fbx"}}`,
			wantGLB: "https://x/a2.glb",
			wantFBX: "https://x/a2.fbx",
		},
		{
			name:    "retexture",
			typ:     task.TypeRetexture,
			body:    `{"id":"x1","status":"SUCCEEDED","progress":100,"model_urls":{"glb":"https://x/x1.glb"}}`,
			wantGLB: "https://x/x1.glb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Adapt(tt.typ, task.SourceNone, []byte(tt.body))
			require.NoError(t, err)

			assert.Equal(t, task.StatusSucceeded, h.Status)
			assert.Equal(t, 100, h.Progress)
			assert.Equal(t, tt.typ, h.Type)
			assert.Equal(t, tt.wantGLB, h.ModelURL())
			assert.Equal(t, tt.wantFBX, h.ResultURLs[task.FormatFBX])
			assert.Equal(t, tt.wantThmb, h.ThumbnailURL)
			assert.NotContains(t, h.ResultURLs, task.FormatUSDZ)
		})
	}
}

func TestAdaptAnimationFlatWinsOverNested(t *testing.T) {
	body := `{"status":"SUCCEEDED","animation_glb_url":"https://x/flat.glb","result":{"animation_glb_url":"https://x/nested.glb","animation_fbx_url":"https://x/nested.fbx"}}`
	h, err := Adapt(task.TypeAnimation, task.SourceNone, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "https://x/flat.glb", h.ModelURL())
	assert.Equal(t, "https://x/nested.fbx", h.ResultURLs[task.FormatFBX])
}

func TestAdaptMissingFields(t *testing.T) {
	for _, typ := range task.Types {
		t.Run(typ.String(), func(t *testing.T) {
			h, err := Adapt(typ, task.SourceNone, []byte(`{}`))
			require.NoError(t, err)
			assert.Equal(t, task.StatusPending, h.Status)
			assert.Equal(t, "", h.TaskID)
			assert.Equal(t, "", h.ModelURL())
			assert.Empty(t, h.ResultURLs)
			assert.True(t, h.CreatedAt.IsZero())

			h, err = Adapt(typ, task.SourceNone, []byte(`{"status":"SUCCEEDED","result":{}}`))
			require.NoError(t, err)
			assert.Equal(t, "", h.ModelURL())
			assert.Equal(t, 100, h.Progress)
		})
	}
}

func TestAdaptClearsURLsUntilSucceeded(t *testing.T) {
	body := `{"id":"g1","status":"IN_PROGRESS","progress":40,"model_urls":{"glb":"https://x/partial.glb"}}`
	h, err := Adapt(task.TypeGeneration, task.SourceText, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, h.Status)
	assert.Equal(t, 40, h.Progress)
	assert.Nil(t, h.ResultURLs)
	assert.Equal(t, task.SourceText, h.Source)
}

func TestAdaptFailedTask(t *testing.T) {
	body := `{"id":"f1","status":"FAILED","progress":60,"task_error":{"message":"mesh has no faces"},
		"created_at":1692771650657,"finished_at":1692771669037}`
	h, err := Adapt(task.TypeRetexture, task.SourceNone, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, h.Status)
	assert.Equal(t, "mesh has no faces", h.Error)
	assert.Equal(t, time.UnixMilli(1692771650657).UTC(), h.CreatedAt)
	assert.Equal(t, time.UnixMilli(1692771669037).UTC(), h.FinishedAt)

	h, err = Adapt(task.TypeRigging, task.SourceNone, []byte(`{"status":"FAILED","task_error":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "", h.Error)
}

func TestAdaptErrors(t *testing.T) {
	_, err := Adapt(task.Type("painting"), task.SourceNone, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Adapt(task.TypeRigging, task.SourceNone, []byte(`{"status":"BAKING"}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = Adapt(task.TypeRigging, task.SourceNone, []byte(`not json`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = Adapt(task.TypeRigging, task.SourceNone, []byte(`{"progress":"forty"}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}
