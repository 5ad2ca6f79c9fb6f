package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/shmgrab/internal/capture"
	"github.com/bryanchriswhite/shmgrab/internal/platform"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List windows",
	Long: `List the top-level windows on the display with their ids, so they can
be passed to 'shmgrab capture --window'.`,
	Example: `  # List windows in table format (default)
  shmgrab list

  # List windows in JSON format
  shmgrab list --format json

  # Show only the focused window
  shmgrab list --active`,
	RunE: runList,
}

var (
	listFormat string
	listActive bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	listCmd.Flags().BoolVarP(&listActive, "active", "a", false, "show only the focused window")
}

func runList(cmd *cobra.Command, args []string) error {
	windows, err := platform.Native().ListWindows(configMgr.Get().Display)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	if listActive {
		filtered := make([]capture.WindowInfo, 0, 1)
		for _, w := range windows {
			if w.Active {
				filtered = append(filtered, w)
			}
		}
		windows = filtered
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(windows)
	case "table":
		return printWindowTable(windows)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func printWindowTable(windows []capture.WindowInfo) error {
	if len(windows) == 0 {
		fmt.Println("No windows found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLASS\tGEOMETRY\tACTIVE\tTITLE")
	fmt.Fprintln(w, "--\t-----\t--------\t------\t-----")
	for _, win := range windows {
		active := ""
		if win.Active {
			active = "✓"
		}
		g := win.Geometry
		fmt.Fprintf(w, "0x%x\t%s\t%dx%d+%d+%d\t%s\t%s\n",
			win.ID, win.Class, g.Dx(), g.Dy(), g.Min.X, g.Min.Y, active, truncate(win.Title, 50))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d windows\n", len(windows))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
