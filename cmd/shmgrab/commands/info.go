package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/shmgrab/internal/platform"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show display capabilities",
	Long: `Connect to the display and report the backend, whether a shared-memory
transport is available, and the root window's geometry and pixel format.`,
	Example: `  # Show display info as YAML (default)
  shmgrab info

  # Show info for another display as JSON
  shmgrab info --display :1 --format json`,
	RunE: runInfo,
}

var infoFormat string

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "yaml", "output format (yaml or json)")
}

func runInfo(cmd *cobra.Command, args []string) error {
	session := platform.NewSession(configMgr.Get())
	defer session.Stop()

	info, err := session.Info(context.Background())
	if err != nil {
		return err
	}

	switch infoFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(info)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", infoFormat)
	}
}
