package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tallyup/offline"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(discardCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued mutations awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, _, err := openService(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		snap := svc.Status.Snapshot()
		all := append(snap.Pending, snap.Failed...)
		if len(all) == 0 {
			fmt.Println("queue is empty")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{"ID", "Table", "Op", "Status", "Attempts", "Created", "Error"})

		var data [][]string
		for _, m := range all {
			data = append(data, []string{
				shortID(m.ID),
				m.Table,
				string(m.Operation),
				string(m.Status),
				fmt.Sprintf("%d", m.Attempts),
				time.Unix(m.CreatedAt, 0).Format(time.RFC3339),
				m.LastError,
			})
		}

		if err := table.Bulk(data); err != nil {
			return err
		}
		return table.Render()
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <mutation-id>",
	Short: "Re-queue a failed mutation and drain immediately",
	Args:  cobra.ExactArgs(1),
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

		id, err := resolveID(svc, args[0])
		if err != nil {
			return err
		}

		probeOnline(svc, backend)
		if err := svc.Engine.Retry(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Println("retry scheduled")
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <mutation-id>",
	Short: "Drop a failed mutation permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, _, err := openService(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		id, err := resolveID(svc, args[0])
		if err != nil {
			return err
		}

		if err := svc.Engine.Discard(id); err != nil {
			return err
		}
		fmt.Println("discarded")
		return nil
	},
}

// shortID abbreviates a mutation ID for table display.
func shortID(id string) string {
	if len(id) <= 28 {
		return id
	}
	return id[:28] + "…"
}

// resolveID accepts either a full mutation ID or the abbreviated prefix
// printed by `offlinectl queue`.
func resolveID(svc *offline.Service, arg string) (string, error) {
	snap := svc.Status.Snapshot()
	var match string
	for _, m := range append(snap.Pending, snap.Failed...) {
		if m.ID == arg {
			return arg, nil
		}
		if len(arg) >= 8 && len(m.ID) >= len(arg) && m.ID[:len(arg)] == arg {
			if match != "" {
				return "", fmt.Errorf("mutation ID prefix %q is ambiguous", arg)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no mutation matches %q", arg)
	}
	return match, nil
}
