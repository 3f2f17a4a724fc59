package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sbl8/superablate/logging"
	"github.com/sbl8/superablate/observability"
	"github.com/sbl8/superablate/runtime"
	"github.com/sbl8/superablate/server"
	"github.com/sbl8/superablate/store"
)

var serveFlags struct {
	addr   string
	model  string
	layers int
	hidden int
	seed   int64
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the controller over HTTP",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "listen address (overrides server.addr)")
	f.StringVar(&serveFlags.model, "model", "", "model file (overrides server.model; random when both are empty)")
	f.IntVar(&serveFlags.layers, "layers", 4, "layers of the random model")
	f.IntVar(&serveFlags.hidden, "hidden", 64, "hidden width of the random model")
	f.Int64Var(&serveFlags.seed, "seed", 1, "seed of the random model")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LoggerConfig("ablate"))

	if serveFlags.addr != "" {
		cfg.Server.Addr = serveFlags.addr
	}
	if serveFlags.model != "" {
		cfg.Server.Model = serveFlags.model
	}

	m, err := openModel(cfg.Server.Model, serveFlags.layers, serveFlags.hidden, serveFlags.seed)
	if err != nil {
		return err
	}
	controller, err := runtime.NewController(m, cfg.Options())
	if err != nil {
		return err
	}

	storeCfg := store.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	storeCfg.Logger = logger.With("component", "store").Slog()
	st, err := store.Open(storeCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	shutdown, err := observability.InitTracing(observability.TracingConfig{
		Service: "ablate",
		Stdout:  cfg.Server.Tracing,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv, err := server.New(server.Deps{
		Controller: controller,
		Store:      st,
		Metrics:    observability.NewMetrics(reg),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("controller ready", "layers", controller.NumLayers(), "model", cfg.Server.Model)
	return srv.Run(ctx, cfg.Server.Addr)
}
