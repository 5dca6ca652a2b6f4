package meshy

import (
	"github.com/ajitpratap0/vendorflow/pkg/clients"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/connector/registry"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

func init() {
	_ = registry.Register(Name, func(cfg *config.Config, deps registry.Dependencies) (core.AssetGenerator, error) {
		return New(cfg, deps.Limiters, deps.Logger)
	})

	types := make([]string, 0, len(task.Types))
	for _, t := range task.Types {
		types = append(types, t.String())
	}
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:        Name,
		Description: "Meshy 3D generation: text/image to 3D, refine, rig, animate, retexture",
		Version:     clients.Version,
		BaseURL:     config.DefaultMeshyBaseURL,
		TaskTypes:   types,
		Stages: []string{
			config.StageTextTo3D, config.StageImageTo3D, config.StageRefine,
			config.StageRig, config.StageAnimate, config.StageRetexture,
		},
	})
}
