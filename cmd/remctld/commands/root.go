// Package commands implements the remctld command line.
package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/go-remctl/remctl/internal/gssapi/krb5"
	"github.com/go-remctl/remctl/internal/logger"
	"github.com/go-remctl/remctl/internal/metrics"
	"github.com/go-remctl/remctl/pkg/acl"
	"github.com/go-remctl/remctl/pkg/config"
	"github.com/go-remctl/remctl/pkg/procconfig"
	"github.com/go-remctl/remctl/pkg/server"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "remctld",
	Short: "remctld - remote command execution daemon",
	Long: `remctld accepts authenticated, authorized connections and runs
predefined commands on behalf of the caller, streaming back output and an
exit status.

Use "remctld --help" for available flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to remctld.yaml (default: $XDG_CONFIG_HOME/remctld/remctld.yaml)")
	rootCmd.Flags().String("listen", "", "override the configured listen address")
	rootCmd.Flags().String("conf-file", "", "override the configured rule table path")
}

// Execute runs the remctld root command.
func Execute() error {
	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := procconfig.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if confFile, _ := cmd.Flags().GetString("conf-file"); confFile != "" {
		cfg.ConfFile = confFile
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	rules, err := config.Load(cfg.ConfFile)
	if err != nil {
		return fmt.Errorf("load rule table %s: %w", cfg.ConfFile, err)
	}

	keytab, err := krb5.LoadKeytab(cfg.KeytabPath)
	if err != nil {
		return fmt.Errorf("load keytab: %w", err)
	}
	krb5Conf, err := krb5.LoadKrb5Conf(os.Getenv("KRB5_CONFIG"))
	if err != nil {
		krb5Conf = nil
	}
	provider := &krb5.Provider{Keytab: keytab, Krb5Conf: krb5Conf, ServicePrincipal: cfg.Principal}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	srvCfg := server.Config{
		Provider:          provider,
		Rules:             rules,
		ACLResolver:       acl.Resolver{},
		InactivityTimeout: cfg.InactivityTimeout,
		Metrics:           metrics.New(nil),
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsLn, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("listen for metrics on %s: %w", cfg.Metrics.Listen, err)
		}
		go func() {
			if err := http.Serve(metricsLn, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, closing listener")
		cancel()
		ln.Close()
	}()

	logger.Info("remctld listening", "addr", cfg.Listen, "principal", cfg.Principal)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("accept failed", "error", err)
			continue
		}
		go func() {
			if err := server.NewSession(srvCfg, conn).Serve(ctx); err != nil {
				logger.Warn("session ended", "error", err)
			}
		}()
	}
}
