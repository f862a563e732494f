// Command stratus-deployer is the remote deployer service. It accepts tasks
// from a Stratus control plane, runs them with terraform or tofu and posts
// each outcome to the task's callback URL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/agent"
	"github.com/stratus-cp/stratus/pkg/config"
	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// shutdownGrace bounds how long cancelled runs get to report.
const shutdownGrace = 30 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Deployer failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "stratus-deployer",
		Short: "Run deployment tasks for a Stratus control plane",
		Long: `stratus-deployer accepts tasks on POST /v1/tasks, runs them with the
configured IaC binary and reports every outcome to the callback URL carried
by the task, signing the body when callback_secret is set.

Tasks are de-duplicated by order id. On SIGINT or SIGTERM running tasks are
cancelled and reported as failed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			cfg.Telemetry.ServiceVersion = Version
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config)")
	return cmd
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	ctx = tel.WithContext(ctx)

	local, err := deployer.NewLocalExecutor(cfg.Executor, tel)
	if err != nil {
		return err
	}
	sink := deployer.NewHTTPCallbackSink(nil, []byte(cfg.CallbackSecret), tel).
		WithRetry(cfg.CallbackAttempts, cfg.CallbackBackoff)
	a := agent.New(local, sink, agent.Options{Addr: cfg.Addr, Telemetry: tel})

	serveErr := a.Run(ctx)

	logger := tel.Logger.NewComponentLogger("deployer")
	logger.Info("shutting down")
	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := local.Shutdown(graceCtx); err != nil {
		logger.WithError(err).Warn("runs did not finish")
	}
	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-graceCtx.Done():
		logger.Warn("outcomes still undelivered")
	}
	return serveErr
}
