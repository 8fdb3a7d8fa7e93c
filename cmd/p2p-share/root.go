package main

import (
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/logger"
)

var (
	configPath string
	logLevel   string
	logFile    string

	// cfg is filled in by the root pre-run before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2p-share",
	Short: "Serverless P2P file sharing",
	Long: `Share a folder with other peers and fetch files from them block by block.
Peers are added explicitly by address; there is no central server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		loaded.ApplyEnv()
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			loaded.LogFile = logFile
		}
		if err := logger.Setup(logger.Options{Level: loaded.LogLevel, File: loaded.LogFile}); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr (e.g. "+logger.DefaultFile+")")
}
