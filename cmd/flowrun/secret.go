package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSecretCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage vault secrets",
		Long: `Store, list, and delete encrypted secrets. Secrets are referenced from
workflows as ` + "`${{ secrets.name }}`" + ` and never appear in results, events,
or logs. The vault key comes from FLOWRUN_VAULT_KEY (hex), or from
FLOWRUN_VAULT_PASSPHRASE together with FLOWRUN_VAULT_SALT.`,
	}

	cmd.AddCommand(newSecretSetCmd(root))
	cmd.AddCommand(newSecretListCmd(root))
	cmd.AddCommand(newSecretRmCmd(root))

	return cmd
}

func newSecretSetCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret, reading the value from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()
			if a.vault == nil {
				return errVaultNotConfigured
			}

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = strings.TrimRight(string(data), "\r\n")
			}
			if value == "" {
				return fmt.Errorf("secret value is empty")
			}

			if err := a.vault.Store(cmd.Context(), args[0], []byte(value)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret %s stored\n", args[0])
			return nil
		},
	}
}

func newSecretListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()
			if a.vault == nil {
				return errVaultNotConfigured
			}

			names, err := a.vault.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no secrets stored")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newSecretRmCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(root))
			if err != nil {
				return err
			}
			defer a.Close()
			if a.vault == nil {
				return errVaultNotConfigured
			}

			if err := a.vault.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret %s deleted\n", args[0])
			return nil
		},
	}
}

var errVaultNotConfigured = fmt.Errorf("vault is not configured: set FLOWRUN_VAULT_KEY, or FLOWRUN_VAULT_PASSPHRASE with FLOWRUN_VAULT_SALT")
