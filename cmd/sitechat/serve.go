package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/sitechat/internal/reaper"
	"github.com/zulandar/sitechat/internal/retrieval"
	"github.com/zulandar/sitechat/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the session reaper",
		Long:  "Serves POST /scrape and POST /chat, and evicts tenant sessions idle longer than the configured TTL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to sitechat config file (defaults apply when empty)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.host and server.port")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr()
	}
	out := cmd.OutOrStdout()

	if usesLocalStorage(cfg) && cfg.Storage.ShouldPruneOnStart() {
		removed, err := retrieval.PruneOrphans(cfg.Storage.BaseDir, "", nil)
		if err != nil {
			fmt.Fprintf(out, "Warning: prune %s: %v\n", cfg.Storage.BaseDir, err)
		}
		if len(removed) > 0 {
			fmt.Fprintf(out, "Pruned %d orphaned tenant director(ies) under %s\n", len(removed), cfg.Storage.BaseDir)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := reaper.New(reaper.Opts{
		Registry: a.registry,
		TTL:      cfg.Reaper.TTL(),
		Interval: cfg.Reaper.Interval(),
		Schedule: cfg.Reaper.Schedule,
	})
	if err != nil {
		return err
	}
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		r.Run(ctx)
	}()

	fmt.Fprintf(out, "Retrieval backend: %s, model: %s %s\n", cfg.Retrieval.Backend, cfg.LLM.Provider, cfg.LLM.Model)
	err = server.Start(ctx, server.StartOpts{
		Flows:       a.orch,
		Tenants:     a.registry,
		Addr:        addr,
		CORSOrigins: cfg.Server.CORSOrigins,
		Out:         out,
	})
	cancel()
	<-reaperDone
	return err
}
