package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"aevumdb/src/engine"
	"aevumdb/src/server"
	"aevumdb/src/settings"
)

var rootCmd = &cobra.Command{
	Use:   "aevumdb [DATA_PATH] [PORT]",
	Short: "AevumDB - an embedded JSON document store with a TCP command interface",
	Long: `AevumDB persists JSON documents in per-collection append-only logs,
serves structured JSON commands over TCP and enforces role-based access
control per API key.

Configuration can also be provided via AEVUM_* environment variables
(AEVUM_DATA_DIR, AEVUM_PORT, AEVUM_ROOT_KEY, AEVUM_WORKERS, AEVUM_DEBUG)
or a .env file in the working directory.`,
	Args:          cobra.MaximumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose development logging")
}

func initConfig() {
	// A missing .env file is fine; env vars still apply.
	_ = godotenv.Load()
	viper.SetEnvPrefix("AEVUM")
	viper.AutomaticEnv()
}

// resolveArguments layers configuration: defaults, then environment,
// then positional arguments.
func resolveArguments(cmd *cobra.Command, args []string) (*settings.Arguments, error) {
	config := settings.GetSettings()

	if v := viper.GetString("data_dir"); v != "" {
		config.DataDir = v
	}
	if v := viper.GetInt("port"); v != 0 {
		config.Port = v
	}
	if v := viper.GetString("root_key"); v != "" {
		config.RootKey = v
	}
	if v := viper.GetInt("workers"); v > 0 {
		config.Workers = v
	}
	if viper.GetBool("debug") {
		config.Debug = true
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		config.Debug = true
	}

	if len(args) > 0 {
		config.DataDir = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", args[1])
		}
		config.Port = port
	}
	if config.Port < 1 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", config.Port)
	}

	return config, nil
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}

func run(cmd *cobra.Command, args []string) error {
	config, err := resolveArguments(cmd, args)
	if err != nil {
		return err
	}

	logger, err := newLogger(config.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("System: booting AevumDB kernel")
	logger.Infof("Config: persistence path set to %s", config.DataDir)
	logger.Infof("Config: network interface binding to port %d", config.Port)

	db, err := engine.NewDBEngine(config.DataDir, config.RootKey, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage engine: %w", err)
	}

	srv := server.NewServer(db, config, logger)

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdownSignal
		logger.Warnf("System: interrupt received (%s), initiating graceful shutdown", sig)
		if err := srv.Stop(); err != nil {
			logger.Errorw("System: error during shutdown", "error", err)
		}
	}()

	if err := srv.Run(); err != nil {
		return err
	}

	logger.Info("System: shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
