// Command mrpc runs a demo RPC server and calls services from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mrpc/config"
	"mrpc/registry"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "mrpc",
	Short:         "Multiplexed RPC over TCP with service discovery",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path (YAML)")
	rootCmd.AddCommand(newServeCmd(), newCallCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// openRegistry returns the registry cfg names and a func releasing it.
func openRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Kind {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		return registry.NewMemoryRegistry(), func() {}, nil
	}
}
