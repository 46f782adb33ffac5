package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/config"
	"github.com/manpreetbhatti/clipsync/internal/logging"
)

var (
	configPath string
	v          = config.NewViper()

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clipsync",
	Short: "Share a piece of text with everyone who opens the same link",
	Long: `clipsync keeps one shared text in sync between the peers of a room.

The room is named by the room parameter of a share link. Opening a link
without one mints a fresh room. Every edit replaces the whole text for
everyone; the last edit to arrive wins.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// the CLI talks to a terminal; keep logs quiet unless asked
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.development", true)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("log-level", "warn", "log level")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(joinCmd, newCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
