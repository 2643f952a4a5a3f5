package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keybunker/keybunker/signer/http/api"
)

var (
	keyName       string
	keyPassphrase string
	keyUnlocked   bool

	keyCmd = &cobra.Command{
		Use:   "key",
		Short: "manage the keys of a running daemon",
	}

	keyListCmd = &cobra.Command{
		Use:   "list",
		Short: "list stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var keys []*api.Key
			if err := c.do(cmd.Context(), http.MethodGet, "/keys", nil, &keys); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tNPUB\tLOCKED\tLOCAL\tCREATED")
			for _, k := range keys {
				if keyUnlocked && k.Locked {
					continue
				}
				created := time.UnixMilli(k.CreatedAt).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", k.Name, k.Npub, k.Locked, k.Local, created)
			}
			return w.Flush()
		},
	}

	keyAddCmd = &cobra.Command{
		Use:   "add",
		Short: "generate a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return createKey(cmd, "")
		},
	}

	keyImportCmd = &cobra.Command{
		Use:   "import <nsec>",
		Short: "import an existing nsec or hex private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createKey(cmd, args[0])
		},
	}

	keyExportCmd = &cobra.Command{
		Use:   "export <pubkey>",
		Short: "print the passphrase-protected ncryptsec of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			passphrase, err := readPassphrase(cmd)
			if err != nil {
				return err
			}
			var resp api.ExportResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/export", &api.PassphraseRequest{Passphrase: passphrase}, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Ncryptsec)
			return nil
		},
	}

	keyRemoveCmd = &cobra.Command{
		Use:   "remove <pubkey>",
		Short: "delete a key with its apps and permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, "/keys/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "key removed")
			return nil
		},
	}

	keyUnlockCmd = &cobra.Command{
		Use:   "unlock <pubkey>",
		Short: "unlock a key with its passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			passphrase, err := readPassphrase(cmd)
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/unlock", &api.PassphraseRequest{Passphrase: passphrase}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "key unlocked")
			return nil
		},
	}

	keyLockCmd = &cobra.Command{
		Use:   "lock <pubkey>",
		Short: "lock a key and stop serving its apps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/lock", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "key locked")
			return nil
		},
	}

	keyBackupCmd = &cobra.Command{
		Use:   "backup <pubkey>",
		Short: "upload the encrypted key to the recovery server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			passphrase, err := readPassphrase(cmd)
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/"+args[0]+"/backup", &api.PassphraseRequest{Passphrase: passphrase}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup stored")
			return nil
		},
	}

	keyRestoreCmd = &cobra.Command{
		Use:   "restore <npub-or-name>",
		Short: "fetch a key backup from the recovery server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			passphrase, err := readPassphrase(cmd)
			if err != nil {
				return err
			}
			var key api.Key
			req := &api.RestoreRequest{Name: keyName, Pubkey: args[0], Passphrase: passphrase}
			if err := c.do(cmd.Context(), http.MethodPost, "/keys/restore", req, &key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Npub)
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{keyAddCmd, keyImportCmd, keyExportCmd, keyUnlockCmd, keyBackupCmd, keyRestoreCmd} {
		c.Flags().StringVarP(&keyPassphrase, "passphrase", "p", "", "key passphrase. Prompted for when empty")
	}
	for _, c := range []*cobra.Command{keyAddCmd, keyImportCmd, keyRestoreCmd} {
		c.Flags().StringVarP(&keyName, "name", "n", "", "key name")
	}
	keyListCmd.Flags().BoolVar(&keyUnlocked, "unlocked", false, "list only unlocked keys")

	keyCmd.AddCommand(keyListCmd, keyAddCmd, keyImportCmd, keyExportCmd, keyRemoveCmd, keyUnlockCmd, keyLockCmd, keyBackupCmd, keyRestoreCmd)
}

func createKey(cmd *cobra.Command, secret string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase(cmd)
	if err != nil {
		return err
	}
	var key api.Key
	req := &api.KeyRequest{Name: keyName, Passphrase: passphrase, Secret: secret}
	if err := c.do(cmd.Context(), http.MethodPost, "/keys", req, &key); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key.Npub)
	return nil
}

func readPassphrase(cmd *cobra.Command) (string, error) {
	if keyPassphrase != "" {
		return keyPassphrase, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("passphrase required, use --passphrase")
	}
	cmd.Print("Passphrase: ")
	bs, err := term.ReadPassword(fd)
	cmd.Println()
	if err != nil {
		return "", fmt.Errorf("failed reading passphrase: %w", err)
	}
	return string(bs), nil
}
