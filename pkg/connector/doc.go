// Package connector is the framework for vendor connectors that run remote
// 3D generation tasks.
//
// # Architecture Overview
//
// The connector package is organized into two sub-packages:
//
//   - core: Defines the interfaces every connector implements. TaskConnector
//     covers status fetches, waiting and downloads for tasks that already
//     exist; AssetGenerator adds the stages that create new tasks (generate,
//     refine, rig, animate, retexture).
//
//   - registry: Implements a factory pattern for connector discovery.
//     Connectors self-register from an init function, so importing a vendor
//     package is enough to make it available by name.
//
// Vendor implementations live under pkg/vendors.
//
// # Core Concepts
//
// Stage calls are blocking. With StageOptions.Wait unset a stage returns a
// PENDING handle as soon as the remote task exists; with Wait set it polls
// until the task is terminal, bounded by PollInterval and Timeout.
//
// Every connector built from the same clients.LimiterRegistry shares one
// request gate per vendor, so concurrent stages never exceed the vendor's
// request rate. Retries with exponential backoff apply to 429 and 5xx
// responses only.
//
// # Example Usage
//
//	gen, err := registry.Create("meshy", cfg, registry.Dependencies{Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer gen.Close()
//
//	preview, err := gen.TextTo3D(ctx, core.TextTo3DRequest{Prompt: "a river otter"}, core.DefaultStageOptions())
//	if err != nil {
//		return err
//	}
//	rigged, err := gen.Rig(ctx, core.RigRequest{InputTaskID: preview.TaskID}, core.DefaultStageOptions())
//
// # Error Handling
//
// Errors come from pkg/errors. A task that ends FAILED or EXPIRED returns
// *errors.TaskFailedError; an exhausted wait returns *errors.PollTimeoutError
// and the task may be waited on again; invalid requests fail with
// ErrorTypeValidation before anything is sent.
package connector
