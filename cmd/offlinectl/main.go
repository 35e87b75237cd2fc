// Command offlinectl inspects and operates the on-device offline data layer:
// sync status, the pending/failed mutation queue, manual retries, and a
// local status daemon for the app UI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tallyup/offline/internal/config"
	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "offlinectl",
	Short: "Inspect and operate the TallyUp offline data layer",
	Long: `offlinectl works against the on-device store used by the TallyUp app:
cached query results and the queue of mutations awaiting delivery to the
backend. It can show sync status, list and retry failed mutations, force a
drain, and run the local status daemon the app UI subscribes to.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.tallyup/offline.toml)")
}

func main() {
	logging.Init(os.Stderr, logging.LevelWarn)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration.
func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}

// openStore opens the store selected by the config.
func openStore(cfg *config.Config) (kvstore.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite", "":
		return kvstore.OpenSQLite(cfg.Storage.DataDir)
	case "file":
		return kvstore.OpenFile(cfg.Storage.DataDir)
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
