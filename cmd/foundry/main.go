package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rackforge/foundry/pkg/api"
	"github.com/rackforge/foundry/pkg/credentials"
	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/events"
	"github.com/rackforge/foundry/pkg/hostrun"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/metrics"
	"github.com/rackforge/foundry/pkg/protocol"
	"github.com/rackforge/foundry/pkg/queue"
	"github.com/rackforge/foundry/pkg/scheduler"
	"github.com/rackforge/foundry/pkg/storage"
	"github.com/rackforge/foundry/pkg/taskpoll"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errkind.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry - Fleet firmware orchestrator for Dell PowerEdge servers",
	Long: `Foundry orchestrates firmware updates across fleets of Dell PowerEdge
servers through their iDRAC controllers.

It discovers each host's healthiest management protocol (Redfish, WS-Man,
RACADM, IPMI, SSH), plans compatible firmware from Dell catalogs, and
drives every host through a maintenance-aware update state machine with
per-host retry and resume.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foundry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8440", "Foundry API server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(credentialCmd)
}

// Serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Foundry orchestrator",
	Long: `Run the Foundry orchestrator: the HTTP API, the host-run queue
workers, the plan scheduler, and the metrics collector, backed by a
local bbolt database.

Credential backends are registered from the environment:

  env    always registered; reads FOUNDRY_IDRAC_USER / FOUNDRY_IDRAC_PASSWORD
  db     registered when FOUNDRY_CRED_KEY is set (AES-256-GCM in bbolt)
  vault  registered when FOUNDRY_VAULT_ADDR and FOUNDRY_VAULT_TOKEN are set`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8440", "API listen address")
	serveCmd.Flags().String("data-dir", "./foundry-data", "Data directory for orchestrator state")
	serveCmd.Flags().String("cred-backend", "env", "Default credential backend for hosts (env, db, vault)")
	serveCmd.Flags().Int("workers", 4, "Concurrent host-run workers")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
	serveCmd.Flags().Bool("insecure-skip-verify", false, "Skip TLS verification against iDRAC endpoints")
	serveCmd.Flags().String("ca-bundle", "", "PEM bundle for verifying management endpoints (or FOUNDRY_CA_BUNDLE)")
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	credBackend, _ := cmd.Flags().GetString("cred-backend")
	workers, _ := cmd.Flags().GetInt("workers")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	insecure, _ := cmd.Flags().GetBool("insecure-skip-verify")
	caBundle, _ := cmd.Flags().GetString("ca-bundle")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	if caBundle == "" {
		caBundle = os.Getenv("FOUNDRY_CA_BUNDLE")
	}
	if caBundle != "" {
		if err := protocol.SetCABundle(caBundle); err != nil {
			return err
		}
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	metrics.RegisterComponent("store", true, "bolt database open")

	resolver := credentials.NewResolver()
	resolver.Register("env", credentials.NewEnvSource())
	if pass := os.Getenv("FOUNDRY_CRED_KEY"); pass != "" {
		db, err := credentials.NewDBSourceFromPassword(store, pass)
		if err != nil {
			return fmt.Errorf("failed to init db credential backend: %w", err)
		}
		resolver.Register("db", db)
		log.Info("db credential backend registered")
	}
	if addr := os.Getenv("FOUNDRY_VAULT_ADDR"); addr != "" {
		if token := os.Getenv("FOUNDRY_VAULT_TOKEN"); token != "" {
			resolver.Register("vault", credentials.NewVaultSource(addr, token, os.Getenv("FOUNDRY_VAULT_MOUNT")))
			log.Info("vault credential backend registered")
		}
	}

	broker := events.NewBroker()
	broker.Start()

	machine := hostrun.New(hostrun.Config{
		Store:       store,
		Credentials: resolver,
		CredBackend: credBackend,
		Poller:      taskpoll.New(insecure),
		Broker:      broker,
		Insecure:    insecure,
	})

	q := queue.New(store, machine, broker, queue.Options{Workers: workers})
	sched := scheduler.New(store, q, broker)
	collector := metrics.NewCollector(store)

	server := api.NewServer(api.Config{
		Store:       store,
		Scheduler:   sched,
		Queue:       q,
		Credentials: resolver,
		CredBackend: credBackend,
		Broker:      broker,
		Insecure:    insecure,
	})

	q.Start()
	metrics.RegisterComponent("queue", true, fmt.Sprintf("%d workers running", workers))
	sched.Start()
	collector.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(listen); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		log.Errorf("server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("API shutdown: %v", err)
	}
	sched.Stop()
	q.Stop()
	collector.Stop()
	broker.Stop()
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
