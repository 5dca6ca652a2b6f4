package task

import (
	"strings"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Type identifies which pipeline stage produced a task
type Type string

const (
	TypeGeneration Type = "generation"
	TypeRefinement Type = "refinement"
	TypeRigging    Type = "rigging"
	TypeAnimation  Type = "animation"
	TypeRetexture  Type = "retexture"
)

// Types lists every task type in pipeline order
var Types = []Type{TypeGeneration, TypeRefinement, TypeRigging, TypeAnimation, TypeRetexture}

// ParseType returns a validation error for anything outside the closed set
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unknown task type %q", raw).
		WithDetail("task_type", raw)
}

func (t Type) String() string {
	return string(t)
}

// Source records which creation endpoint a generation task came from, since
// text and image generations are fetched from different status endpoints.
type Source string

const (
	SourceNone  Source = ""
	SourceText  Source = "text"
	SourceImage Source = "image"
)

// ParseSource accepts "", "text" and "image"
func ParseSource(raw string) (Source, error) {
	switch s := Source(strings.ToLower(strings.TrimSpace(raw))); s {
	case SourceNone, SourceText, SourceImage:
		return s, nil
	default:
		return "", errors.Newf(errors.ErrorTypeValidation, "unknown task source %q", raw)
	}
}

// Format is a downloadable model file format
type Format string

const (
	FormatGLB  Format = "glb"
	FormatFBX  Format = "fbx"
	FormatOBJ  Format = "obj"
	FormatUSDZ Format = "usdz"
	FormatMTL  Format = "mtl"
)

// Formats lists every supported format
var Formats = []Format{FormatGLB, FormatFBX, FormatOBJ, FormatUSDZ, FormatMTL}

// ParseFormat returns a validation error for unsupported formats
func ParseFormat(raw string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unsupported format %q", raw)
}

// ContentType returns the MIME type used when storing a file of this format
func (f Format) ContentType() string {
	switch f {
	case FormatGLB:
		return "model/gltf-binary"
	case FormatOBJ:
		return "model/obj"
	case FormatUSDZ:
		return "model/vnd.usdz+zip"
	case FormatMTL:
		return "model/mtl"
	default:
		return "application/octet-stream"
	}
}
