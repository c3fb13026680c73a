package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/stratum/internal/quota"
)

var cachemgrCmd = &cobra.Command{
	Use:   "cachemgr",
	Short: "Run the shared cache manager process",
	Long: `Run the shared cache manager that serves the cache quota protocol for
one workspace over a named command pipe.

The manager takes an exclusive lock on the cache database; a second
manager on the same workspace refuses to start. Clients normally spawn
this command themselves and wait for the ready byte on the inherited
status pipe. The manager always logs to stderr and stays in the
foreground; --foreground is accepted but changes nothing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCachemgr,
}

func init() {
	cachemgrCmd.Flags().String("cache-dir", "", "cache object directory")
	cachemgrCmd.Flags().String("workspace", "", "workspace directory (defaults to cache dir)")
	cachemgrCmd.Flags().Uint64("limit", 0, "cache size soft limit in bytes")
	cachemgrCmd.Flags().Uint64("threshold", 0, "cleanup threshold in bytes")
	cachemgrCmd.Flags().Int("ready-fd", -1, "inherited fd for the ready byte")
	cachemgrCmd.Flags().Bool("foreground", false, "accepted for the spawn protocol; has no effect")
	cachemgrCmd.Flags().Bool("async-delete", false, "unlink evicted files in a detached subprocess")
	cobra.CheckErr(cachemgrCmd.MarkFlagRequired("cache-dir"))
	cobra.CheckErr(cachemgrCmd.MarkFlagRequired("limit"))
	cobra.CheckErr(cachemgrCmd.MarkFlagRequired("threshold"))
}

func runCachemgr(cmd *cobra.Command, _ []string) error {
	cacheDir, _ := cmd.Flags().GetString("cache-dir")     //nolint:errcheck // flag registered above
	workspace, _ := cmd.Flags().GetString("workspace")    //nolint:errcheck // flag registered above
	limit, _ := cmd.Flags().GetUint64("limit")            //nolint:errcheck // flag registered above
	threshold, _ := cmd.Flags().GetUint64("threshold")    //nolint:errcheck // flag registered above
	readyFd, _ := cmd.Flags().GetInt("ready-fd")          //nolint:errcheck // flag registered above
	asyncDelete, _ := cmd.Flags().GetBool("async-delete") //nolint:errcheck // flag registered above

	var ready *os.File
	if readyFd >= 0 {
		ready = os.NewFile(uintptr(readyFd), "ready-pipe")
	}

	srv, err := quota.NewServer(quota.Config{
		CacheDir:         cacheDir,
		WorkspaceDir:     workspace,
		Limit:            limit,
		CleanupThreshold: threshold,
		AsyncDelete:      asyncDelete,
	})
	if err != nil {
		if ready != nil {
			ready.Write([]byte{'E'}) //nolint:errcheck // parent may be gone
			ready.Close()            //nolint:errcheck // one-shot status pipe
		}
		return fmt.Errorf("start cache manager: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown()
	}()

	return srv.Serve(ready)
}
