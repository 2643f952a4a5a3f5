package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/keybunker/keybunker/signer/http/api"
)

var (
	tokenTTL         time.Duration
	tokenSubDelegate string

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "manage connect tokens",
	}

	tokenCreateCmd = &cobra.Command{
		Use:   "create <pubkey>",
		Short: "issue a single-use connect token and print its bunker:// link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			req := &api.TokenRequest{SubDelegate: tokenSubDelegate}
			if tokenTTL > 0 {
				req.TTL = tokenTTL.String()
			}
			var resp api.TokenResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/tokens", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.BunkerURL)
			fmt.Fprintf(cmd.OutOrStdout(), "expires at %s\n", time.UnixMilli(resp.ExpiresAt).Format(time.RFC3339))
			return nil
		},
	}

	connectCmd = &cobra.Command{
		Use:   "connect <pubkey> <nostrconnect-url>",
		Short: "pair an app from its nostrconnect:// link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var pending api.PendingRequest
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/nostrconnect", &api.ConnectRequest{URL: args[1]}, &pending); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connect request %s from %s awaits confirmation\n", pending.ID, pending.App)
			return nil
		},
	}
)

func init() {
	tokenCreateCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime, the daemon default when zero")
	tokenCreateCmd.Flags().StringVar(&tokenSubDelegate, "sub-delegate", "", "hex pubkey the token is issued for")
	tokenCmd.AddCommand(tokenCreateCmd)
}
