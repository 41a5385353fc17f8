package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docwatch/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				enc := json.NewEncoder(cc.Out)
				enc.SetIndent("", "  ")

				return enc.Encode(cc.Cfg)
			}

			return config.RenderEffective(cc.Cfg, cc.Out)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file listing every setting with its default value. The
file goes to --config, $DOCWATCH_CONFIG, or the default config path.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			path := initConfigPath(cc.Flags.ConfigPath)

			if err := config.WriteDefault(path, force); err != nil {
				return err
			}

			cc.Statusf("Wrote %s\n", path)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// initConfigPath picks the file config init writes: flag, then
// environment, then the default location.
func initConfigPath(flagPath string) string {
	if flagPath != "" {
		return config.ExpandHome(flagPath)
	}

	if env := os.Getenv(config.EnvConfig); env != "" {
		return config.ExpandHome(env)
	}

	return config.DefaultConfigPath()
}
