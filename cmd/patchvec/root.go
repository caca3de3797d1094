package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/engine"
	"github.com/rodrigopitanga/patchvec/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

// rootOptions carries the global flags.
type rootOptions struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "patchvec",
		Short:         "Multi-tenant vector search over ingested documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override vector_store.data_dir")

	root.AddCommand(
		newServeCmd(opts),
		newCreateCmd(opts),
		newDropCmd(opts),
		newRenameCmd(opts),
		newTenantsCmd(opts),
		newCollectionsCmd(opts),
		newIngestCmd(opts),
		newRmCmd(opts),
		newSearchCmd(opts),
		newArchiveCmd(opts),
		newRestoreCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves config for a command invocation.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.VectorStore.DataDir = o.dataDir
	}
	return cfg, nil
}

// buildEngine constructs a local engine plus its logger; the caller
// closes both.
func (o *rootOptions) buildEngine() (*engine.Engine, *zap.Logger, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Server.LogLevel, "console")
	if err != nil {
		return nil, nil, nil, err
	}
	eng, err := engine.New(cfg, nil, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, logger, cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "patchvec %s (%s)\n", version, gitCommit)
		},
	}
}
