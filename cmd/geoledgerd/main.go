// Command geoledgerd serves versioned geospatial feature spaces over HTTP, a framed protobuf
// socket, and Kafka/RabbitMQ write ingest.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"geoledger/internal/config"
	"geoledger/internal/core"
	"geoledger/internal/retention"
	"geoledger/internal/storage"
	_ "geoledger/internal/storage/memory"
	_ "geoledger/internal/storage/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "geoledgerd",
		Short:         "Versioned multi-tenant geospatial feature store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (yaml, toml or json)")
	root.AddCommand(newServeCmd(&cfgPath), newPurgeCmd(&cfgPath))
	return root
}

// openService loads the configuration and wires a core service on the configured backend.
// The returned close func releases the backend.
func openService(cfgPath string) (config.Config, *core.Service, *logrus.Logger, func() error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := cfg.Log.Logger()
	backend, err := storage.Open(storage.DriverConfig{
		Driver:  cfg.Storage.Driver,
		Options: map[string]any{"dir": cfg.Storage.SQLiteDir},
	})
	if err != nil {
		return cfg, nil, nil, nil, err
	}
	policy, err := retention.ParsePolicy(cfg.Retention.ProtectedRefs)
	if err != nil {
		_ = backend.Close()
		return cfg, nil, nil, nil, err
	}
	svc, err := core.New(backend, core.Options{
		DefaultVersionsToKeep: cfg.Retention.DefaultVersionsToKeep,
		RetentionPolicy:       policy,
		SnapshotCacheEntries:  cfg.Cache.SnapshotEntries,
		Logger:                log.WithField("node", cfg.Server.NodeID),
	})
	if err != nil {
		_ = backend.Close()
		return cfg, nil, nil, nil, err
	}
	return cfg, svc, log, backend.Close, nil
}
