// Command gatewayctl drives a running gateway over its HTTP API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gowa-gateway/internal/helper"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagBaseURL string
	flagAPIKey  string
	flagTimeout time.Duration
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Manage WhatsApp gateway sessions and send messages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagBaseURL, "url", envOr("GATEWAY_URL", "http://localhost:4000"), "gateway base URL")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("GATEWAY_API_KEY"), "API key (X-API-Key)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 60*time.Second, "request timeout")

	root.AddCommand(newSessionsCmd(), newSendCmd(), newHealthCmd(), newHashPasswordCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *GatewayClient {
	return NewGatewayClient(flagBaseURL, flagAPIKey)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), flagTimeout)
}

func newSessionsCmd() *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "List, create, inspect and stop sessions"}

	sessions.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions visible to the API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			items, err := client().ListSessions(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tLABEL\tOWNER\tPHONE")
			for _, s := range items {
				phone := "-"
				if s.Me != nil {
					phone = s.Me.ID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Label, s.OwnerID, phone)
			}
			return w.Flush()
		},
	})

	var label, webhookURL string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create (or relaunch) a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			s, err := client().CreateSession(ctx, args[0], label, webhookURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.ID, s.Status)
			return nil
		},
	}
	create.Flags().StringVar(&label, "label", "", "display label")
	create.Flags().StringVar(&webhookURL, "webhook", "", "webhook URL(s), comma separated")
	sessions.AddCommand(create)

	sessions.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			s, err := client().GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, s)
		},
	})

	sessions.AddCommand(&cobra.Command{
		Use:   "restart <id>",
		Short: "Drop the connection and reconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			return client().RestartSession(ctx, args[0])
		},
	})

	var mode string
	stop := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a session; --mode all also removes credentials and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client().DeleteSession(ctx, args[0], mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped (%s)\n", args[0], mode)
			return nil
		},
	}
	stop.Flags().StringVar(&mode, "mode", "runtime", "runtime, creds, meta or all")
	sessions.AddCommand(stop)

	return sessions
}

func newSendCmd() *cobra.Command {
	send := &cobra.Command{Use: "send", Short: "Send messages through a session"}

	send.AddCommand(&cobra.Command{
		Use:   "text <session> <to> <text>",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := client().SendText(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", res.MessageID, res.To)
			return nil
		},
	})

	var mediaType, caption string
	media := &cobra.Command{
		Use:   "media <session> <to> <url>",
		Short: "Send media downloaded from a URL",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := client().SendMediaURL(ctx, args[0], args[1], mediaType, args[2], caption)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", res.MessageID, res.To)
			return nil
		},
	}
	media.Flags().StringVar(&mediaType, "type", "image", "image, video, audio or document")
	media.Flags().StringVar(&caption, "caption", "", "caption")
	send.AddCommand(media)

	return send
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the gateway health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			h, err := client().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <user> [password]",
		Short: "Print a bcrypt user:hash entry for AUTHENTICATION",
		Long:  "Without a password argument the first line of stdin is used.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 2 {
				password = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			entry, err := helper.CredentialEntry(args[0], password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the library default)")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
