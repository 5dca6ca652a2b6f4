package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/internal/pipeline"
	"github.com/ajitpratap0/vendorflow/pkg/catalog"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
	"github.com/ajitpratap0/vendorflow/pkg/storage"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// stageFlags control blocking for every stage command
type stageFlags struct {
	wait     bool
	interval time.Duration
	timeout  time.Duration
}

func (s *stageFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.wait, "wait", true, "Block until the task finishes")
	s.registerPolling(cmd)
}

func (s *stageFlags) registerPolling(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&s.interval, "interval", 0, "Poll interval, e.g. 5s (default from config)")
	cmd.Flags().DurationVar(&s.timeout, "timeout", 0, "Give up waiting after this long, e.g. 10m (default from config)")
}

func (s *stageFlags) options() core.StageOptions {
	return core.StageOptions{Wait: s.wait, PollInterval: s.interval, Timeout: s.timeout}
}

// stageFunc runs one stage against the generator
type stageFunc func(ctx context.Context, gen core.AssetGenerator, args []string, opts core.StageOptions) (*task.Handle, error)

// runStageCommand wraps a stage: setup, run, catalog finished tasks, print
func runStageCommand(flags *globalFlags, stage string, sf *stageFlags, fn stageFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := logger.ContextWith(cmd.Context(), logger.ConnectorKey, a.generator.Name())
		h, err := fn(ctx, a.generator, args, sf.options())
		if err != nil {
			return err
		}
		a.record(ctx, stage, h)
		return printJSON(cmd.OutOrStdout(), h)
	}
}

// record stores terminal handles; pending ones are skipped. A catalog
// failure only warns since the task itself succeeded.
func (a *app) record(ctx context.Context, stage string, h *task.Handle) {
	if !h.Status.IsTerminal() {
		return
	}
	_, err := a.catalog.Record(ctx, catalog.Entry{
		Stage:     stage,
		Connector: a.generator.Name(),
		Handle:    *h,
	})
	if err != nil {
		a.log.With(logger.Fields(ctx)...).Warn("failed to record task", zap.String("task_id", h.TaskID), zap.Error(err))
	}
}

func stageCommands(flags *globalFlags) []*cobra.Command {
	var (
		text    core.TextTo3DRequest
		textSF  stageFlags
		image   core.ImageTo3DRequest
		imageSF stageFlags

		refineSource string
		refinePBR    bool
		refineSF     stageFlags

		height float64
		rigSF  stageFlags

		actionID int
		fps      int
		animSF   stageFlags

		retex   core.RetextureRequest
		retexSF stageFlags
	)

	textCmd := &cobra.Command{
		Use:   "text-to-3d",
		Short: "Generate a preview model from a prompt",
		Example: `  vendorflow text-to-3d --prompt "a realistic river otter" --art-style realistic
  vendorflow text-to-3d --prompt "a teapot" --wait=false`,
		Args: cobra.NoArgs,
		RunE: runStageCommand(flags, config.StageTextTo3D, &textSF,
			func(ctx context.Context, gen core.AssetGenerator, _ []string, opts core.StageOptions) (*task.Handle, error) {
				return gen.TextTo3D(ctx, text, opts)
			}),
	}
	textCmd.Flags().StringVar(&text.Prompt, "prompt", "", "What to generate (required)")
	textCmd.Flags().StringVar(&text.NegativePrompt, "negative-prompt", "", "What to avoid")
	textCmd.Flags().StringVar(&text.ArtStyle, "art-style", "", "realistic, sculpture, cartoon, low-poly or pbr")
	textCmd.Flags().StringVar(&text.Topology, "topology", "", "quad or triangle")
	textCmd.Flags().IntVar(&text.TargetPolycount, "polycount", 0, "Target polygon count")
	textCmd.Flags().BoolVar(&text.EnablePBR, "pbr", false, "Generate PBR maps")
	_ = textCmd.MarkFlagRequired("prompt")
	textSF.register(textCmd)

	imageCmd := &cobra.Command{
		Use:   "image-to-3d",
		Short: "Generate a model from an image URL",
		Args:  cobra.NoArgs,
		RunE: runStageCommand(flags, config.StageImageTo3D, &imageSF,
			func(ctx context.Context, gen core.AssetGenerator, _ []string, opts core.StageOptions) (*task.Handle, error) {
				return gen.ImageTo3D(ctx, image, opts)
			}),
	}
	imageCmd.Flags().StringVar(&image.ImageURL, "image-url", "", "Public image URL or data URI (required)")
	imageCmd.Flags().StringVar(&image.Topology, "topology", "", "quad or triangle")
	imageCmd.Flags().IntVar(&image.TargetPolycount, "polycount", 0, "Target polygon count")
	imageCmd.Flags().BoolVar(&image.EnablePBR, "pbr", false, "Generate PBR maps")
	_ = imageCmd.MarkFlagRequired("image-url")
	imageSF.register(imageCmd)

	refineCmd := &cobra.Command{
		Use:   "refine <preview-task-id>",
		Short: "Texture a finished preview",
		Args:  cobra.ExactArgs(1),
		RunE: runStageCommand(flags, config.StageRefine, &refineSF,
			func(ctx context.Context, gen core.AssetGenerator, args []string, opts core.StageOptions) (*task.Handle, error) {
				source, err := task.ParseSource(refineSource)
				if err != nil {
					return nil, err
				}
				return gen.Refine(ctx, core.RefineRequest{PreviewTaskID: args[0], Source: source, EnablePBR: refinePBR}, opts)
			}),
	}
	refineCmd.Flags().StringVar(&refineSource, "source", "text", "How the preview was made: text or image")
	refineCmd.Flags().BoolVar(&refinePBR, "pbr", true, "Generate PBR maps")
	refineSF.register(refineCmd)

	rigCmd := &cobra.Command{
		Use:   "rig <task-id>",
		Short: "Add a skeleton to a generated model",
		Args:  cobra.ExactArgs(1),
		RunE: runStageCommand(flags, config.StageRig, &rigSF,
			func(ctx context.Context, gen core.AssetGenerator, args []string, opts core.StageOptions) (*task.Handle, error) {
				return gen.Rig(ctx, core.RigRequest{InputTaskID: args[0], HeightMeters: height}, opts)
			}),
	}
	rigCmd.Flags().Float64Var(&height, "height", core.DefaultHeightMeters, "Character height in meters")
	rigSF.register(rigCmd)

	animCmd := &cobra.Command{
		Use:   "animate <rig-task-id>",
		Short: "Apply a library animation to a rigged model",
		Args:  cobra.ExactArgs(1),
		RunE: runStageCommand(flags, config.StageAnimate, &animSF,
			func(ctx context.Context, gen core.AssetGenerator, args []string, opts core.StageOptions) (*task.Handle, error) {
				return gen.Animate(ctx, core.AnimateRequest{RigTaskID: args[0], ActionID: actionID, FrameRate: fps}, opts)
			}),
	}
	animCmd.Flags().IntVar(&actionID, "action-id", 0, fmt.Sprintf("Animation id, 0-%d (required)", core.MaxActionID))
	animCmd.Flags().IntVar(&fps, "fps", 0, "Resample to 24, 25, 30 or 60 fps")
	_ = animCmd.MarkFlagRequired("action-id")
	animSF.register(animCmd)

	retexCmd := &cobra.Command{
		Use:   "retexture <task-id>",
		Short: "Apply new textures from a prompt or style image",
		Args:  cobra.ExactArgs(1),
		RunE: runStageCommand(flags, config.StageRetexture, &retexSF,
			func(ctx context.Context, gen core.AssetGenerator, args []string, opts core.StageOptions) (*task.Handle, error) {
				req := retex
				req.InputTaskID = args[0]
				return gen.Retexture(ctx, req, opts)
			}),
	}
	retexCmd.Flags().StringVar(&retex.TextStylePrompt, "style-prompt", "", "Describe the new look")
	retexCmd.Flags().StringVar(&retex.ImageStyleURL, "style-image", "", "Image whose style to copy")
	retexCmd.Flags().BoolVar(&retex.EnableOriginalUV, "original-uv", true, "Keep the model's UV layout")
	retexCmd.Flags().BoolVar(&retex.EnablePBR, "pbr", true, "Generate PBR maps")
	retexSF.register(retexCmd)

	return []*cobra.Command{textCmd, imageCmd, refineCmd, rigCmd, animCmd, retexCmd}
}

// taskFlags identify an existing task
type taskFlags struct {
	typ    string
	source string
}

func (t *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.typ, "type", "t", "", "Task type: generation, refinement, rigging, animation or retexture (required)")
	cmd.Flags().StringVar(&t.source, "source", "", "For generation and refinement tasks: text or image")
	_ = cmd.MarkFlagRequired("type")
}

func (t *taskFlags) parse() (task.Type, task.Source, error) {
	typ, err := task.ParseType(t.typ)
	if err != nil {
		return "", "", err
	}
	source, err := task.ParseSource(t.source)
	if err != nil {
		return "", "", err
	}
	return typ, source, nil
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	var tf taskFlags
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Fetch the current state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, source, err := tf.parse()
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.generator.GetTask(cmd.Context(), args[0], typ, source)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	tf.register(cmd)
	return cmd
}

func newWaitCommand(flags *globalFlags) *cobra.Command {
	var (
		tf taskFlags
		sf stageFlags
	)
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Poll an existing task until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, source, err := tf.parse()
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.generator.Wait(cmd.Context(), task.NewPending(args[0], typ, source), sf.options())
			if err != nil {
				return err
			}
			a.record(cmd.Context(), "", h)
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
	tf.register(cmd)
	sf.registerPolling(cmd)
	return cmd
}

func newDownloadCommand(flags *globalFlags) *cobra.Command {
	var (
		tf     taskFlags
		format string
		out    string
		key    string
	)
	cmd := &cobra.Command{
		Use:   "download <task-id>",
		Short: "Download a finished model",
		Long: `Download fetches the task, then streams the requested format into the
configured storage sink, or into the directory given by --out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, source, err := tf.parse()
			if err != nil {
				return err
			}
			f, err := task.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			storageCfg := a.cfg.Storage
			if out != "" {
				storageCfg = config.StorageConfig{Kind: "local", Dir: out}
			}
			sink, err := storage.New(cmd.Context(), storageCfg, a.log)
			if err != nil {
				return err
			}
			defer sink.Close()

			h, err := a.generator.GetTask(cmd.Context(), args[0], typ, source)
			if err != nil {
				return err
			}
			loc, err := a.generator.DownloadModel(cmd.Context(), h, f, sink, key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), loc)
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "glb", "glb, fbx, obj, usdz or mtl")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write into this local directory instead of the configured sink")
	cmd.Flags().StringVar(&key, "key", "", "Object key (default <task-id>.<format>)")
	return cmd
}

func newPipelineCommand(flags *globalFlags) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run multi-stage asset manifests",
	}

	var manifestFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every asset chain in a manifest",
		Long: `Run executes each asset of the manifest as a chain of stages, running up
to pipeline.max_concurrency assets at once, and stores the final models in the
configured sink.

Example:
  vendorflow pipeline run -f woodland.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(manifestFile)
			if err != nil {
				return err
			}
			if m.Connector != "" {
				flags.connector = m.Connector
			}
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			sink, err := storage.New(cmd.Context(), a.cfg.Storage, a.log)
			if err != nil {
				return err
			}
			defer sink.Close()

			runner := pipeline.NewRunner(a.cfg, a.generator, sink, a.catalog, a.log)
			result, runErr := runner.Run(cmd.Context(), m)
			if result != nil {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	runCmd.Flags().StringVarP(&manifestFile, "file", "f", "", "Path to the manifest YAML (required)")
	_ = runCmd.MarkFlagRequired("file")

	pipelineCmd.AddCommand(runCmd)
	return pipelineCmd
}

func newCatalogCommand(flags *globalFlags) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect recorded tasks",
	}

	var runID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded tasks, optionally for one pipeline run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.catalog.List(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	listCmd.Flags().StringVar(&runID, "run", "", "Only tasks from this run id")

	getCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one recorded task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.close()

			entry, err := a.catalog.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}

	catalogCmd.AddCommand(listCmd, getCmd)
	return catalogCmd
}
