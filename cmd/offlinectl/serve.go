package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tallyup/offline/internal/remote/remotetest"
	"github.com/tallyup/offline/internal/wshub"
)

var (
	serveAddr string
	serveStub bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8091", "listen address")
	serveCmd.Flags().BoolVar(&serveStub, "stub", false, "also serve an in-memory stub backend under /stub")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local status daemon the app UI subscribes to",
	Long: `serve runs the data layer with background connectivity monitoring and
exposes sync-status transitions on /ws as WebSocket events. The app's
offline banner subscribes to this endpoint. With --stub, an in-memory fake
of the hosted backend is mounted under /stub for development.`,
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

		svc.Start(cmd.Context())

		hub := wshub.NewHub()
		hub.Attach(svc.Status)
		defer hub.Close()

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if serveStub {
			mux.Handle("/stub/", http.StripPrefix("/stub", remotetest.NewServer()))
		}

		fmt.Printf("status daemon listening on %s\n", serveAddr)
		return http.ListenAndServe(serveAddr, mux)
	},
}
