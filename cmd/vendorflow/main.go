package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/catalog"
	"github.com/ajitpratap0/vendorflow/pkg/clients"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/connector/registry"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
	"github.com/ajitpratap0/vendorflow/pkg/metrics"
	"github.com/ajitpratap0/vendorflow/pkg/observability"

	// Import all available connectors to register them
	_ "github.com/ajitpratap0/vendorflow/pkg/vendors/meshy"
)

var version = "0.1.0"

// globalFlags are shared by every command
type globalFlags struct {
	configFile  string
	connector   string
	logLevel    string
	metricsAddr string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "vendorflow",
		Short: "Vendorflow - 3D asset generation pipelines",
		Long: `Vendorflow drives remote 3D generation services: text or image to 3D,
refinement, rigging, animation and retexturing. Each stage either returns the
new task id right away or waits until the task finishes, and finished models
can be downloaded to local disk, S3 or GCS.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to vendorflow.yaml (default: ./vendorflow.yaml or $HOME/.vendorflow/vendorflow.yaml)")
	root.PersistentFlags().StringVar(&flags.connector, "connector", "meshy", "Connector to use")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Vendorflow v%s\n", version)
			fmt.Fprintf(out, "HTTP client: %s\n", clients.Version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "connectors [name]",
		Short: "List available connectors, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				info, err := registry.GetConnectorInfo(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			}
			return printJSON(cmd.OutOrStdout(), registry.ListConnectorInfo())
		},
	})

	root.AddCommand(stageCommands(flags)...)
	root.AddCommand(
		newStatusCommand(flags),
		newWaitCommand(flags),
		newDownloadCommand(flags),
		newPipelineCommand(flags),
		newCatalogCommand(flags),
	)
	return root
}

// app holds everything a command needs once configuration is loaded
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	generator core.AssetGenerator
	catalog   catalog.Store

	closers []func(context.Context) error
}

// setup loads configuration, initializes logging, tracing and metrics, and
// creates the connector. Callers must defer app.close.
func setup(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.Observability.MetricsAddr = flags.metricsAddr
	}

	// stdout carries command output, so logs go to stderr
	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Encoding:    cfg.Observability.LogEncoding,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return nil, err
	}
	log := logger.With(zap.String("component", "vendorflow-cli"))

	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func(context.Context) error { return logger.Sync() })

	if cfg.Observability.Tracing {
		tc := observability.DefaultConfig()
		tc.Enabled = true
		tc.ServiceVersion = version
		if cfg.Observability.ServiceName != "" {
			tc.ServiceName = cfg.Observability.ServiceName
		}
		if err := observability.Initialize(tc); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, observability.Shutdown)
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", addr))
		a.closers = append(a.closers, srv.Shutdown)
	}

	gen, err := registry.Create(flags.connector, cfg, registry.Dependencies{Logger: logger.Get()})
	if err != nil {
		a.close()
		return nil, err
	}
	a.generator = gen
	a.closers = append(a.closers, func(context.Context) error { return gen.Close() })

	store, err := catalog.New(ctx, cfg.Catalog, logger.Get())
	if err != nil {
		a.close()
		return nil, err
	}
	a.catalog = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i](ctx)
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
