package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/sitechat/internal/retrieval"
	"github.com/zulandar/sitechat/internal/tenant"
)

func newPruneCmd() *cobra.Command {
	var (
		configPath string
		tenantID   string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove tenant storage left behind by a previous process",
		Long:  "Deletes per-tenant directories under storage.base_dir. Run it while no server is using the directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, configPath, tenantID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to sitechat config file (defaults apply when empty)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "prune only this tenant")
	return cmd
}

func runPrune(cmd *cobra.Command, configPath, tenantID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if tenantID != "" {
		if err := tenant.ValidateID(tenantID); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	if !usesLocalStorage(cfg) {
		fmt.Fprintf(out, "Backend %s keeps no per-tenant directories; nothing to prune.\n", cfg.Retrieval.Backend)
		return nil
	}

	removed, err := retrieval.PruneOrphans(cfg.Storage.BaseDir, tenantID, nil)
	for _, path := range removed {
		fmt.Fprintf(out, "Removed %s\n", path)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintf(out, "Nothing to prune under %s\n", cfg.Storage.BaseDir)
	}
	return nil
}
