package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/labvisor"
)

// shutdownTimeout bounds stopping every version on exit.
const shutdownTimeout = 30 * time.Second

// ServeFlags override the [server] and [labs] sections for one run.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	Listen    string
	Root      string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the labvisor daemon",
		Long: `Start the daemon. Without a config file the defaults apply: versions in
./labs, API on 127.0.0.1:4000/api, dev servers on ports 5174-5999.

Examples:
  labvisor serve
  labvisor serve labvisor.toml
  labvisor serve --root /srv/labs --listen :4000
  labvisor serve --config labvisor.toml --daemonize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := labvisor.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			applyServeFlags(cfg, serveFlags)
			if serveFlags.Daemonize {
				return daemonize(cmd.OutOrStdout(), cfg.Server.PIDFile, cfg.Server.LogFile)
			}
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid here (overrides server.pidfile)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file (overrides server.logfile)")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "API listen address (overrides server.listen)")
	cmd.Flags().StringVar(&serveFlags.Root, "root", "", "active versions directory (overrides labs.root)")
	return cmd
}

func applyServeFlags(cfg *labvisor.Config, f *ServeFlags) {
	if f.PidFile != "" {
		cfg.Server.PIDFile = f.PidFile
	}
	if f.LogFile != "" {
		cfg.Server.LogFile = f.LogFile
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.Root != "" {
		cfg.Labs.Root = f.Root
	}
}

// serve runs the daemon until ctx ends. ready, when set, is called with the
// API address once it accepts connections.
func serve(ctx context.Context, cfg *labvisor.Config, ready func(addr string)) error {
	log, closer, err := labvisor.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if pf := cfg.Server.PIDFile; pf != "" {
		pid := os.Getpid()
		if err := writePidFile(pf, pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(pf, pid) }()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := labvisor.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			metricsSrv, err = labvisor.ServeMetrics(cfg.Metrics.Listen, log)
			if err != nil {
				return fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
			}
			log.Info("metrics listening", "addr", metricsSrv.Addr)
		}
	}

	sup, err := labvisor.Open(cfg, log)
	if err != nil {
		closeQuietly(metricsSrv)
		return err
	}
	stopSupervisor := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sup.Close(sctx)
	}
	if err := sup.Start(); err != nil {
		closeQuietly(metricsSrv)
		return errors.Join(err, stopSupervisor())
	}
	srv, err := sup.Serve()
	if err != nil {
		closeQuietly(metricsSrv)
		return errors.Join(fmt.Errorf("listen %s: %w", cfg.Server.Listen, err), stopSupervisor())
	}
	log.Info("labvisor started",
		"addr", srv.Addr,
		"base_path", cfg.Server.BasePath,
		"root", sup.Root(),
		"auth", sup.Auth().Enabled(),
		"tls", cfg.Server.TLS.Enabled)
	if ready != nil {
		ready(srv.Addr)
	}

	<-ctx.Done()
	log.Info("shutting down")

	// versions first: closing the hub ends open event streams so Shutdown can drain
	errs := []error{stopSupervisor()}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, srv.Shutdown(sctx))
	if metricsSrv != nil {
		errs = append(errs, metricsSrv.Shutdown(sctx))
	}
	return errors.Join(errs...)
}

func closeQuietly(srv *http.Server) {
	if srv != nil {
		_ = srv.Close()
	}
}
