// Package config provides configuration management for vendorflow.
//
// # Key Features
//
// - Config: one structure with Meshy, Reliability, Polling, Pipeline, Storage, Catalog and Observability sections
// - LoadConfig: defaults, then vendorflow.yaml, then VENDORFLOW_* environment variables
// - Validation with go-playground/validator tags and a few cross-field rules
// - Manifest: YAML pipeline manifests with ${VAR} and ${VAR:-fallback} substitution
//
// # Usage
//
// ## Loading Configuration
//
//	cfg, err := config.LoadConfig("")        // search ./vendorflow.yaml and ~/.vendorflow/
//	cfg, err := config.LoadConfig("ci.yaml") // explicit file, must exist
//
// Any key can be overridden from the environment by upper-casing its path and
// replacing dots with underscores:
//
//	VENDORFLOW_POLLING_TIMEOUT=15m
//	VENDORFLOW_STORAGE_KIND=s3
//	MESHY_API_KEY=msy_...
//
// ## Pipeline Manifests
//
//	# otters.yaml
//	name: otters
//	defaults:
//	  poll_interval: 10s
//	  timeout: 20m
//	assets:
//	  - name: otter
//	    stages:
//	      - kind: text_to_3d
//	        prompt: ${OTTER_PROMPT:-A realistic river otter}
//	      - kind: rig
//	      - kind: animate
//	        action_id: 12
//	    formats: [glb, fbx]
//
//	m, err := config.LoadManifest("otters.yaml")
//
// A chain must begin with text_to_3d or image_to_3d, or name an existing task
// with from_task_id.
package config
