package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bamsammich/stratum/internal/catalog"
	"github.com/bamsammich/stratum/internal/config"
	"github.com/bamsammich/stratum/internal/fetcher"
)

var traverseCmd = &cobra.Command{
	Use:   "traverse <store-dir>",
	Short: "Walk the catalog hierarchy of a repository",
	Long: `Walk the catalog hierarchy of a repository served from a local object
store, across nested catalogs and historic revisions, and print one
line per visited catalog.

With --named-snapshots, every named snapshot in the repository's
history database is used as an entry point instead of the current
HEAD.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTraverse,
}

func init() {
	traverseCmd.Flags().Bool("depth-first", false, "emit leaves before their parents")
	traverseCmd.Flags().Uint("history", 0, "number of previous revisions to follow (0 = HEAD only)")
	traverseCmd.Flags().Uint64("timestamp", 0, "do not follow history older than this unix timestamp")
	traverseCmd.Flags().Bool("no-repeat-history", false, "skip catalogs shared across revisions")
	traverseCmd.Flags().Bool("named-snapshots", false, "start from all named snapshots")
	traverseCmd.Flags().String("tmp-dir", os.TempDir(), "directory for decompressed catalogs")
}

//nolint:revive // cognitive-complexity: flag collection and mode selection
func runTraverse(cmd *cobra.Command, args []string) error {
	depthFirst, _ := cmd.Flags().GetBool("depth-first")         //nolint:errcheck // flag registered above
	history, _ := cmd.Flags().GetUint("history")                //nolint:errcheck // flag registered above
	timestamp, _ := cmd.Flags().GetUint64("timestamp")          //nolint:errcheck // flag registered above
	noRepeat, _ := cmd.Flags().GetBool("no-repeat-history")     //nolint:errcheck // flag registered above
	namedSnapshots, _ := cmd.Flags().GetBool("named-snapshots") //nolint:errcheck // flag registered above
	tmpDir, _ := cmd.Flags().GetString("tmp-dir")               //nolint:errcheck // flag registered above

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cmd.Flags().Changed("history") && cfg.Traverse.History != nil {
		history = *cfg.Traverse.History
	}
	if !cmd.Flags().Changed("timestamp") && cfg.Traverse.Timestamp != nil {
		timestamp = *cfg.Traverse.Timestamp
	}
	if !cmd.Flags().Changed("no-repeat-history") && cfg.Traverse.NoRepeatHistory != nil {
		noRepeat = *cfg.Traverse.NoRepeatHistory
	}
	if !cmd.Flags().Changed("depth-first") && cfg.Traverse.DepthFirst != nil {
		depthFirst = *cfg.Traverse.DepthFirst
	}

	f, err := fetcher.New(args[0], tmpDir)
	if err != nil {
		return err
	}

	traversal, err := catalog.New(catalog.Options{
		Fetcher:         f,
		History:         history,
		Timestamp:       timestamp,
		NoRepeatHistory: noRepeat,
	})
	if err != nil {
		return err
	}

	count := 0
	traversal.RegisterListener(func(data catalog.Data) bool {
		count++
		fmt.Printf("%s  level=%d  depth=%d  %s\n",
			data.Hash.StringWithSuffix(), data.TreeLevel, data.HistoryDepth,
			humanize.Bytes(uint64(data.FileSize)))
		return true
	})

	strategy := catalog.BreadthFirst
	if depthFirst {
		strategy = catalog.DepthFirst
	}

	var ok bool
	if namedSnapshots {
		ok = traversal.TraverseNamedSnapshots(strategy)
	} else {
		ok = traversal.Traverse(strategy)
	}
	if !ok {
		return fmt.Errorf("traversal aborted after %d catalogs", count)
	}
	fmt.Printf("%d catalogs\n", count)
	return nil
}
