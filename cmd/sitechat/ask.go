package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAskCmd() *cobra.Command {
	var (
		configPath     string
		serverAddr     string
		tenantID       string
		websiteURL     string
		conversationID string
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask [message...]",
		Short: "Ask a running server about a tenant's website",
		Long: "Optionally ingests --url for the tenant, then sends the message given as arguments. " +
			"Without arguments each line of stdin is sent as a message, with a prompt when stdin is a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverAddr == "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				serverAddr = cfg.Server.Addr()
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}
			client := newAPIClient(serverAddr, timeout)
			return runAsk(cmd, client, tenantID, websiteURL, conversationID, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to sitechat config file, used for the server address")
	cmd.Flags().StringVar(&serverAddr, "server", "", "server address (default: server.host:server.port from config)")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	cmd.Flags().StringVarP(&websiteURL, "url", "u", "", "website to ingest before asking")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default: a new random id)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "per-request timeout")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func runAsk(cmd *cobra.Command, client *apiClient, tenantID, websiteURL, conversationID string, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if websiteURL != "" {
		msg, err := client.scrape(ctx, tenantID, websiteURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, msg)
	}

	if len(args) > 0 {
		answer, err := client.chat(ctx, tenantID, conversationID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, answer)
		return nil
	}

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	if interactive {
		fmt.Fprintf(out, "Conversation %s. Empty line or Ctrl-D to quit.\n", conversationID)
	}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if interactive {
				break
			}
			continue
		}
		answer, err := client.chat(ctx, tenantID, conversationID, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, answer)
	}
	return scanner.Err()
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
