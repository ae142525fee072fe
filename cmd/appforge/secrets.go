package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"appforge/pkg/config"
)

func secretsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
		Long: `Secrets are stored in .appforge/secrets.json.enc, encrypted with a
password (scrypt + AES-GCM). API keys found there take precedence over the
environment. Set ` + EnvPassword + ` to skip the password prompt.`,
	}

	// open decrypts the existing file, or asks for a new password when there is none.
	open := func() (map[string]string, string, error) {
		dir := a.secretsDir()
		if !config.SecretsFileExists(dir) {
			password, err := newPassword()
			return map[string]string{}, password, err
		}
		password, err := readPassword("Secrets password: ")
		if err != nil {
			return nil, "", err
		}
		values, err := config.DecryptSecretsFile(dir, password)
		if err != nil {
			return nil, "", err
		}
		if values == nil {
			values = map[string]string{}
		}
		return values, password, nil
	}
	save := func(values map[string]string, password string) error {
		if err := os.MkdirAll(a.secretsDir(), 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", a.secretsDir(), err)
		}
		return config.EncryptSecretsFile(a.secretsDir(), password, values)
	}

	var value string
	setCmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Add or replace a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, password, err := open()
			if err != nil {
				return err
			}
			if value == "" {
				if value, err = readPassword(fmt.Sprintf("Value for %s: ", args[0])); err != nil {
					return err
				}
			}
			values[args[0]] = value
			if err := save(values, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %s saved\n", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&value, "value", "", "Secret value (prompted when omitted)")

	cmd.AddCommand(setCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if !config.SecretsFileExists(a.secretsDir()) {
					fmt.Fprintln(cmd.OutOrStdout(), "No secrets file.")
					return nil
				}
				values, _, err := open()
				if err != nil {
					return err
				}
				config.SetSecrets(values)
				for _, name := range config.SecretNames() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if !config.SecretsFileExists(a.secretsDir()) {
					return fmt.Errorf("no secrets file in %s", a.secretsDir())
				}
				values, password, err := open()
				if err != nil {
					return err
				}
				if _, ok := values[args[0]]; !ok {
					return fmt.Errorf("secret %s not found", args[0])
				}
				delete(values, args[0])
				if err := save(values, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %s deleted\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
