package main

import (
	"github.com/spf13/cobra"

	"lsmrepl/internal/config"
)

const (
	defaultConfigFilePath = "./lsmrepl.yaml"
	configDesc            = "path to the lsmrepl YAML configuration file"
)

// app is shared by the subcommands, PersistentPreRunE fills it in.
type app struct {
	configPath string
	dataDir    string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "lsmrepl",
		Short:         "Primary/replica replication for an embedded LSM store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(a.configPath)
			if err != nil {
				return err
			}
			if a.dataDir != "" {
				cfg.Store.Path = a.dataDir
			}
			a.cfg = cfg
			initLogger(cfg.Logger)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigFilePath, configDesc)
	root.PersistentFlags().StringVarP(&a.dataDir, "data-dir", "d", "", "store directory, overrides store.path")

	root.AddCommand(
		newMasterCmd(a),
		newReplicaCmd(a),
		newSeedCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newBenchCmd(a),
	)
	return root
}
