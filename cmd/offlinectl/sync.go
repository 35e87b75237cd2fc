package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending mutation queue now",
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

		if !probeOnline(svc, backend) {
			return fmt.Errorf("backend unreachable, try again when online")
		}

		result, err := svc.Engine.Drain(cmd.Context())
		if err != nil {
			if result != nil {
				fmt.Printf("delivered %d, then aborted: %v\n", result.Delivered, err)
			}
			return err
		}
		if result == nil {
			fmt.Println("a drain is already running")
			return nil
		}

		fmt.Printf("delivered %d, rejected %d in %s\n",
			result.Delivered, result.Rejected, result.Duration.Round(time.Millisecond))
		return nil
	},
}
