package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/m4xw311/qodo-acp/acp"
	"github.com/m4xw311/qodo-acp/bridge"
	"github.com/m4xw311/qodo-acp/config"
	"github.com/m4xw311/qodo-acp/logging"
	"github.com/m4xw311/qodo-acp/terminal"
	"github.com/m4xw311/qodo-acp/tools"
)

var version = "0.1.0"

func main() {
	v := viper.New()
	root := newRootCommand(v)
	config.Init(root, v)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qodo-acp: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "qodo-acp",
		Short:         "Agent Client Protocol adapter for the qodo CLI",
		Long:          "Speaks ACP JSON-RPC on stdin/stdout and runs one qodo process per turn.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(cmd.Context(), v)
		},
	}
	addFlags(root)

	root.AddCommand(&cobra.Command{
		Use:   "terminal [prompt...]",
		Short: "Chat with qodo interactively through the adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTerminal(cmd.Context(), v, strings.Join(args, " "))
		},
	})
	return root
}

func addFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.String("qodo-path", "", "Path to the qodo executable")
	flags.StringSlice("qodo-args", nil, "Arguments passed to qodo before the prompt")
	flags.String("work-dir", "", "Working directory for qodo processes")
	flags.Duration("grace-period", 0, "How long an interrupted turn may run before it is killed")
	flags.StringSlice("known-tools", nil, "Tool names (or glob patterns) recognised in qodo output")
	flags.Bool("track-tool-status", false, "Report tool completions that arrive in later output chunks")
	flags.String("log-level", "", "Log level: info or debug")
	flags.Bool("debug", false, "Log every message and output chunk")
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Overlay(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newParser(cfg *config.Config) (*tools.Parser, error) {
	vocab, err := tools.NewVocabulary(cfg.KnownTools)
	if err != nil {
		return nil, err
	}
	return tools.NewParser(vocab), nil
}

func newBridge(cfg *config.Config, log logging.Logger) *bridge.Bridge {
	return bridge.New(bridge.Options{
		Command:     cfg.QodoPath,
		Args:        cfg.QodoArgs,
		Env:         cfg.Env,
		Dir:         cfg.WorkDir,
		GracePeriod: cfg.GracePeriod,
		Logger:      log,
	})
}

// runStdio serves ACP on stdin/stdout until the client disconnects or a
// termination signal arrives, then kills every running turn.
func runStdio(parent context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	log := logging.NewWithOptions(logging.Options{Output: os.Stderr, Debug: cfg.Debug})

	parser, err := newParser(cfg)
	if err != nil {
		return err
	}
	srv, err := acp.NewServer(acp.NewStdioTransport(os.Stdin, os.Stdout), acp.Options{
		Bridge:          acp.NewProcessBridge(newBridge(cfg, log)),
		Parser:          parser,
		TrackToolStatus: cfg.TrackToolStatus,
		Logger:          log,
		Version:         version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("received termination signal")
	case err := <-errCh:
		if err != nil {
			log.Error(err, "server stopped")
		}
	}
	srv.Shutdown()
	return nil
}

func runTerminal(parent context.Context, v *viper.Viper, initialPrompt string) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	log := logging.NewWithOptions(logging.Options{Output: os.Stderr, Debug: cfg.Debug, Development: true})

	parser, err := newParser(cfg)
	if err != nil {
		return err
	}
	b := newBridge(cfg, log)
	defer b.Cleanup()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("qodo-acp terminal is ready. Type your prompt, /quit to exit.")
	return terminal.New(b, parser, cfg.TrackToolStatus, os.Stdin, os.Stdout).Run(ctx, initialPrompt)
}
