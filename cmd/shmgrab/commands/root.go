package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/shmgrab/internal/config"
	"github.com/bryanchriswhite/shmgrab/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	configMgr *config.Manager
	rootCmd   = &cobra.Command{
		Use:   "shmgrab",
		Short: "shmgrab - shared-memory screen capture",
		Long: `shmgrab captures the screen, a window or a region of a window as raw
pixels, using the display server's shared-memory path when it is available
and a plain copy when it is not.

Backends:
  • X11 with the MIT-SHM extension (System V segments)
  • Windows GDI with DIB sections

Pixels are written unencoded; metadata (size, depth, scanline length,
channel masks, byte order) describes how to read them.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/shmgrab/config.yaml)")
	rootCmd.PersistentFlags().String("display", "", "display name (default is $DISPLAY)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable logs")
	rootCmd.PersistentFlags().Int("timeout", 0, "capture timeout in milliseconds (default 5000)")

	viper.BindPFlag("display", rootCmd.PersistentFlags().Lookup("display"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
	viper.BindPFlag("timeout_ms", rootCmd.PersistentFlags().Lookup("timeout"))
}

// loadConfig loads configuration into the global viper so bound flags win,
// then initializes logging from it.
func loadConfig(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManagerWithViper(cfgFile, viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configMgr = mgr

	cfg := mgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	logger.WithComponent("cli").Debug().
		Str("config", mgr.GetConfigPath()).
		Str("command", cmd.Name()).
		Msg("Configuration loaded")
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
