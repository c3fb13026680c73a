package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bamsammich/stratum/internal/quota"
)

var statusCmd = &cobra.Command{
	Use:   "status <cache-dir>",
	Short: "Show cache gauges of a shared cache manager",
	Long: `Connect to the shared cache manager serving the given cache directory
(spawning one if needed) and print its gauges and limits; --list and
--list-pinned also print the tracked or pinned objects.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStatus,
}

func init() {
	statusCmd.Flags().Uint64("limit", 4<<30, "cache size soft limit in bytes (when spawning)")
	statusCmd.Flags().Uint64("threshold", 3<<30, "cleanup threshold in bytes (when spawning)")
	statusCmd.Flags().Bool("list", false, "also list tracked objects")
	statusCmd.Flags().Bool("list-pinned", false, "also list pinned objects")
}

func runStatus(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetUint64("limit")          //nolint:errcheck // flag registered above
	threshold, _ := cmd.Flags().GetUint64("threshold")  //nolint:errcheck // flag registered above
	list, _ := cmd.Flags().GetBool("list")              //nolint:errcheck // flag registered above
	listPinned, _ := cmd.Flags().GetBool("list-pinned") //nolint:errcheck // flag registered above

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	m, err := quota.ConnectShared(exe, quota.Config{
		CacheDir:         args[0],
		Limit:            limit,
		CleanupThreshold: threshold,
	}, false)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck // detach only

	gauge, pinned, err := m.Status()
	if err != nil {
		return err
	}
	serverLimit, serverThreshold, err := m.Limits()
	if err != nil {
		return err
	}
	fmt.Printf("gauge:     %s\n", humanize.Bytes(gauge))
	fmt.Printf("pinned:    %s\n", humanize.Bytes(pinned))
	fmt.Printf("limit:     %s\n", humanize.Bytes(serverLimit))
	fmt.Printf("threshold: %s\n", humanize.Bytes(serverThreshold))

	if list {
		lines, err := m.List()
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	}
	if listPinned {
		lines, err := m.ListPinned()
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	}
	return nil
}
