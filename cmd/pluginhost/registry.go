package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pluginhost/pkg/config"
	"pluginhost/pkg/registry"
)

func newRegistryCommand() *cobra.Command {
	var path string

	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the plugin registry file",
	}
	registryCmd.PersistentFlags().StringVarP(&path, "file", "f", "", "Registry file (defaults to REGISTRY_PATH)")

	load := func() (*registry.Registry, error) {
		// Plain text output; keep library logs quiet.
		setupLogging("error")
		if path == "" {
			conf, err := config.LoadConfig(configDir)
			if err != nil {
				return nil, err
			}
			path = conf.RegistryPath
		}
		return registry.Load(path)
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every registry entry and report the ones that would be skipped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rej := range reg.Rejected() {
				fmt.Fprintf(out, "skipped: %v\n", rej)
			}
			fmt.Fprintf(out, "%d accepted, %d skipped\n", reg.Len(), len(reg.Rejected()))
			if len(reg.Rejected()) > 0 {
				return errors.New("registry has invalid entries")
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accepted plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENABLED\tPROTOCOL\tSERVICES\tPATH")
			for _, d := range reg.AllDescriptors() {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n",
					d.ID, d.Kind, d.Enabled, d.ProtocolVersion, strings.Join(d.AllowedServices(), ","), d.Path)
			}
			return w.Flush()
		},
	}

	registryCmd.AddCommand(validateCmd, listCmd)
	return registryCmd
}
