package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/anixart-desktop/mediahost/internal/logging"
)

func newCheckConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:               "check-config",
		Short:             "Validate the configuration and exit",
		Args:              cobra.NoArgs,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(opts)
		},
	}
}

func runCheckConfig(opts *globalOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("check_config", cfg.Path)
	fields["listen_addr"] = cfg.Global.ListenAddr
	fields["storage_path"] = cfg.Cache.StoragePath
	fields["max_asset_size"] = humanize.IBytes(uint64(cfg.Cache.MaxAssetSize))
	fields["reconcile_interval"] = cfg.Cache.ReconcileInterval.String()
	fields["auth"] = cfg.AuthEnabled()
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}
