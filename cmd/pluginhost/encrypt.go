package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pluginhost/pkg/config"
	"pluginhost/pkg/database"
)

func newEncryptCommand() *cobra.Command {
	var decrypt bool

	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Seal a secret with ENCRYPTION_KEY for use in a registry env entry",
		Long: `Encrypt a value with the configured ENCRYPTION_KEY. Paste the output into
a registry env entry marked "secret: true"; the host decrypts it just before
launching the plugin.

With no argument the value is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("error")
			conf, err := config.LoadConfig(configDir)
			if err != nil {
				return err
			}

			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = strings.TrimRight(string(raw), "\r\n")
			}

			var out string
			if decrypt {
				out, err = database.DecryptString(value, conf.EncryptionKey)
			} else {
				out, err = database.EncryptString(value, conf.EncryptionKey)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&decrypt, "decrypt", "d", false, "Decrypt instead of encrypt")
	return cmd
}
