// Command gatewayd is the mesh gateway daemon: it owns the radio link,
// persists ingested traffic, and serves the HTTP+WebSocket API that
// local clients mirror their conversation state from.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/config"
	"github.com/agsys/meshgate/internal/decryptretry"
	"github.com/agsys/meshgate/internal/gateway"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
	"github.com/agsys/meshgate/internal/sync"
	"github.com/agsys/meshgate/internal/transport/httpapi"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "gatewayd",
		Short: "Mesh gateway daemon",
		Long:  "Ingests mesh radio traffic, persists channel/DM state, and serves it to local clients over HTTP and WebSocket.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE:  runDaemon,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("meshgate gatewayd v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/meshgate/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	b := bus.New()
	ks := keystore.New()
	linkCfg := radiolink.Config{
		SerialPort:     cfg.SerialPort,
		SerialBaudRate: cfg.SerialBaudRate,
		TCPHost:        cfg.TCPHost,
		TCPPort:        cfg.TCPPort,
		BLEAddress:     cfg.BLEAddress,
		BLEPIN:         cfg.BLEPIN,
	}
	manager := radiolink.NewManager(linkCfg, ks, db, b)
	proc := processor.New(db, ks, b)
	loops := sync.New(manager, db, proc)
	gw := gateway.New(db, manager, b)
	retry := decryptretry.New(db, proc, b)
	server := httpapi.New(gw, b, retry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go manager.RunMonitor(ctx)
	go func() {
		if err := loops.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("gatewayd: background loops stopped: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Routes()}
	go func() {
		log.Printf("gatewayd: listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("gatewayd: http server error: %v", err)
		}
	}()

	sig := <-sigChan
	log.Printf("gatewayd: received signal %v, shutting down...", sig)
	cancel()
	if err := httpServer.Shutdown(context.Background()); err != nil {
		log.Printf("gatewayd: http shutdown error: %v", err)
	}

	log.Println("gatewayd: shutdown complete")
	return nil
}
