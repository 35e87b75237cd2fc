package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tallyup/offline"
)

var (
	failedColor  = color.New(color.FgRed, color.Bold)
	syncingColor = color.New(color.FgYellow)
	offlineColor = color.New(color.FgHiBlack)
	okColor      = color.New(color.FgGreen)
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and sync queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, backend, err := openService(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		probeOnline(svc, backend)
		snap := svc.Status.Snapshot()

		switch snap.Banner() {
		case offline.BannerFailed:
			failedColor.Printf("sync failed (%d mutation(s) rejected)\n", len(snap.Failed))
		case offline.BannerSyncing:
			syncingColor.Printf("syncing (%d pending)\n", len(snap.Pending))
		case offline.BannerOffline:
			offlineColor.Println("offline")
		default:
			okColor.Println("up to date")
		}

		fmt.Printf("online:  %v\n", snap.Online)
		fmt.Printf("pending: %d\n", len(snap.Pending))
		fmt.Printf("failed:  %d\n", len(snap.Failed))
		return nil
	},
}
