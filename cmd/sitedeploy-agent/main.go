package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/sitedeploy/internal/agent"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sitedeploy-agent",
		Short:         "Serve the site API over a local directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.Flags().String("root", "", "directory site paths are rooted at")
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().Duration("command-timeout", 230*time.Second, "how long a command request is held open")
	cmd.Flags().String("token", os.Getenv("SITEDEPLOY_AGENT_TOKEN"), "required bearer token (default $SITEDEPLOY_AGENT_TOKEN)")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	levelStr, _ := cmd.Flags().GetString("log")
	if level, err := zerolog.ParseLevel(levelStr); err == nil && levelStr != "" {
		zerolog.SetGlobalLevel(level)
	}
	root, _ := cmd.Flags().GetString("root")
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("command-timeout")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		log.Warn().Msg("no token configured; the agent accepts unauthenticated requests")
	}

	srv := &agent.Server{Root: root, Version: version, Token: token, CommandTimeout: timeout}
	tlsCfg := agent.LoadMTLSConfig()
	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "sitedeploy-agent listening on %s\n", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-cmd.Context().Done():
	}
	fmt.Fprintln(cmd.OutOrStdout(), "sitedeploy-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
