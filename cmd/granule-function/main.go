// Command granule-function hosts the granule handlers as a gRPC function
// and, when etcd is configured, registers itself for discovery.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/granule/catalog"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/discovery"
	"github.com/zero-day-ai/granule/function"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		address    string
		advertise  string
		name       string
	)

	cmd := &cobra.Command{
		Use:           "granule-function",
		Short:         "Serve granule handlers as a gRPC function",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			cfg := &config.Config{}
			if configPath != "" {
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registrar, closeRegistrar, err := newRegistrar(cfg, logger)
			if err != nil {
				return err
			}
			defer closeRegistrar()

			reg := task.NewRegistry()
			catalog.RegisterHandlers(reg)

			fc := cfg.Function
			if fc == nil {
				fc = &config.FunctionConfig{}
			}
			srvCfg := function.Config{
				Name:             fc.Name,
				Address:          fc.GetAddress(),
				AdvertiseAddress: fc.AdvertiseAddress,
				GracefulTimeout:  fc.GetGracefulTimeout(),
				TLSCertFile:      fc.TLSCertFile,
				TLSKeyFile:       fc.TLSKeyFile,
				WorkerContext:    workerctx.OptionsFromConfig(cfg.Storage, logger),
				Registrar:        registrar,
				Logger:           logger,
			}
			if srvCfg.Name == "" {
				srvCfg.Name = cfg.Serverless.GetFunction()
			}
			if name != "" {
				srvCfg.Name = name
			}
			if address != "" {
				srvCfg.Address = address
			}
			if advertise != "" {
				srvCfg.AdvertiseAddress = advertise
			}

			srv, err := function.NewServer(reg, srvCfg)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to granule.yaml or its directory")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&address, "address", "", "listen address (overrides function.address)")
	flags.StringVar(&advertise, "advertise", "", "address published to discovery")
	flags.StringVar(&name, "name", "", "function name (overrides function.name)")
	return cmd
}

// newRegistrar connects to etcd when the configuration or the environment
// names endpoints. Without them the function runs unregistered.
func newRegistrar(cfg *config.Config, logger *slog.Logger) (discovery.Registrar, func(), error) {
	dcfg := cfg.Discovery
	if dcfg == nil {
		envCfg, ok := discovery.ConfigFromEnv()
		if !ok {
			logger.Info("discovery not configured, serving without registration")
			return nil, func() {}, nil
		}
		dcfg = &envCfg
	}

	etcd, err := discovery.NewEtcd(*dcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return etcd, func() {
		if err := etcd.Close(); err != nil {
			logger.Warn("failed to close etcd client", "error", err)
		}
	}, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}

