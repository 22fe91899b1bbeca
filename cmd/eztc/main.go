package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/eztc/pkg/config"
	"github.com/easzlab/eztc/pkg/desiredstate"
	"github.com/easzlab/eztc/pkg/rules"
	"github.com/easzlab/eztc/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	version    = "dev"
	configPath string
	dryRun     bool
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eztc",
		Short: "eztc - per-container traffic shaping agent",
		Long: "Keeps tc shaping rules applied to the host veth adapters of Docker containers, " +
			"reapplying them whenever a container restarts.",
		RunE: runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/eztc/eztc.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log shaping calls instead of running the shaping tool")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Apply the desired state file once and exit",
		RunE:  runOnce,
	}
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <container>",
		Short: "Print the host adapter of a container",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
}

func newRulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the rules of the desired state file",
		RunE:  runRules,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("eztc version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("starting eztc",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Bool("dry_run", dryRun),
	)

	srv, err := server.NewServer(configPath, server.Options{DryRun: dryRun, Level: &level}, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce applies the desired state file a single time and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("running single reconcile",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Bool("dry_run", dryRun),
	)

	srv, err := server.NewServer(configPath, server.Options{DryRun: dryRun, Level: &level}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.RunOnce(cmd.Context())
}

func runResolve(cmd *cobra.Command, args []string) error {
	logger, _ := newLogger()
	defer logger.Sync()

	srv, err := server.NewServer(configPath, server.Options{DryRun: true}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	adapter, err := srv.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), adapter)
	return nil
}

// runRules prints the rules the agent would store for the configured desired state file.
func runRules(cmd *cobra.Command, args []string) error {
	logger, _ := newLogger()
	defer logger.Sync()

	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return err
	}
	stateFile := configMgr.GetConfig().DesiredState.StateFile
	if stateFile == "" {
		return errors.New("desired_state.state_file is not configured")
	}

	doc, err := desiredstate.NewFileSource(stateFile, "", logger.Named("filesource")).Fetch(cmd.Context())
	if err != nil {
		return err
	}
	ruleSet, ok, parseErr := desiredstate.ParseFullState(doc)
	if !ok && parseErr == nil {
		return fmt.Errorf("%s has no desired.rules section", stateFile)
	}

	store := rules.NewStore()
	store.ReplaceAll(ruleSet)
	out, err := yaml.Marshal(map[string][]rules.Rule{"rules": store.Snapshot()})
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	cmd.OutOrStdout().Write(out)
	return parseErr
}

// newLogger creates a production zap logger with console encoding for readability.
// The returned level follows global.log_level once the config is loaded.
func newLogger() (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}
