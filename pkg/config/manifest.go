package config

import (
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Stage kinds accepted in a pipeline manifest
const (
	StageTextTo3D  = "text_to_3d"
	StageImageTo3D = "image_to_3d"
	StageRefine    = "refine"
	StageRig       = "rig"
	StageAnimate   = "animate"
	StageRetexture = "retexture"
)

// Manifest declares a batch of assets, each produced by a chain of stages.
//
//	name: woodland-pack
//	assets:
//	  - name: otter
//	    stages:
//	      - kind: text_to_3d
//	        prompt: "A realistic river otter"
//	      - kind: rig
//	        height_meters: 0.6
//	      - kind: animate
//	        action_id: 12
//	    formats: [glb, fbx]
type Manifest struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Connector string        `yaml:"connector" json:"connector"`
	Defaults  StageDefaults `yaml:"defaults" json:"defaults"`
	Assets    []AssetSpec   `yaml:"assets" json:"assets" validate:"required,min=1,dive"`
}

// StageDefaults apply to every stage that does not set its own values
type StageDefaults struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gte=0s"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// AssetSpec is one asset chain. Stages run in order, each consuming the task
// id produced by the previous one. FromTaskID starts the chain from an
// existing task instead of a generation stage; FromType and FromSource
// describe that task and default to a text generation.
type AssetSpec struct {
	Name       string      `yaml:"name" json:"name" validate:"required"`
	FromTaskID string      `yaml:"from_task_id" json:"from_task_id"`
	FromType   string      `yaml:"from_type" json:"from_type" validate:"omitempty,oneof=generation refinement rigging animation retexture"`
	FromSource string      `yaml:"from_source" json:"from_source" validate:"omitempty,oneof=text image"`
	Stages     []StageSpec `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
	Formats    []string    `yaml:"formats" json:"formats" validate:"dive,oneof=glb fbx obj usdz mtl"`
}

// StageSpec configures a single stage. Only the fields relevant to Kind are read.
type StageSpec struct {
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=text_to_3d image_to_3d refine rig animate retexture"`

	Prompt           string  `yaml:"prompt" json:"prompt,omitempty"`
	NegativePrompt   string  `yaml:"negative_prompt" json:"negative_prompt,omitempty"`
	ArtStyle         string  `yaml:"art_style" json:"art_style,omitempty"`
	ImageURL         string  `yaml:"image_url" json:"image_url,omitempty"`
	Topology         string  `yaml:"topology" json:"topology,omitempty"`
	TargetPolycount  int     `yaml:"target_polycount" json:"target_polycount,omitempty"`
	EnablePBR        *bool   `yaml:"enable_pbr" json:"enable_pbr,omitempty"`
	HeightMeters     float64 `yaml:"height_meters" json:"height_meters,omitempty"`
	ActionID         *int    `yaml:"action_id" json:"action_id,omitempty"`
	FrameRate        int     `yaml:"frame_rate" json:"frame_rate,omitempty"`
	EnableOriginalUV *bool   `yaml:"enable_original_uv" json:"enable_original_uv,omitempty"`

	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// LoadManifest reads and validates a pipeline manifest
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := Load(path, &m); err != nil {
		return nil, err
	}
	if m.Connector == "" {
		m.Connector = "meshy"
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field constraints and that every chain starts from something
func (m *Manifest) Validate() error {
	if err := ValidateStruct(m); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		if seen[a.Name] {
			return errors.Newf(errors.ErrorTypeValidation, "duplicate asset name %q", a.Name)
		}
		seen[a.Name] = true

		first := a.Stages[0].Kind
		generates := first == StageTextTo3D || first == StageImageTo3D
		if !generates && a.FromTaskID == "" {
			return errors.Newf(errors.ErrorTypeValidation, "asset %q must start with a generation stage or set from_task_id", a.Name)
		}
		if generates && a.FromTaskID != "" {
			return errors.Newf(errors.ErrorTypeValidation, "asset %q sets from_task_id but starts with %s", a.Name, first)
		}
		for i, s := range a.Stages[1:] {
			if s.Kind == StageTextTo3D || s.Kind == StageImageTo3D {
				return errors.Newf(errors.ErrorTypeValidation, "asset %q stage %d: %s can only be the first stage", a.Name, i+2, s.Kind)
			}
		}
	}
	return nil
}
