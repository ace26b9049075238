package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Resinat/edgecoord/internal/api"
	"github.com/Resinat/edgecoord/internal/buildinfo"
	"github.com/Resinat/edgecoord/internal/config"
	"github.com/Resinat/edgecoord/internal/service"
)

const shutdownTimeout = 10 * time.Second

type rootFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "edgecoord",
		Short:        "Edge optimization coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file (overrides EDGE_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides EDGE_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(newServeCmd(flags), newConfigCmd(flags), newVersionCmd())
	return root
}

// loadConfig resolves the effective config and configures logging from it.
func loadConfig(flags *rootFlags) (*config.EnvConfig, error) {
	if flags.configFile != "" {
		if err := os.Setenv("EDGE_CONFIG_FILE", flags.configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := setupLogging(cfg.LogLevel, flags.logFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides EDGE_PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.EnvConfig) error {
	log := logrus.WithField("component", "main")

	svc, err := service.New(cfg, service.Deps{})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		svc.Stop()
		return err
	}
	defer svc.Stop()

	srv := api.NewServer(cfg, svc)
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    srv.Addr(),
			"version": buildinfo.Version,
		}).Info("API server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}
	return <-errCh
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := *cfg
			if out.AdminToken != "" {
				out.AdminToken = "REDACTED"
			}
			if out.RedisPassword != "" {
				out.RedisPassword = "REDACTED"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&out); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := buildinfo.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "edgecoord %s (commit %s, built %s, %s)\n",
				info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
		},
	}
}
