package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/obfuscate"
)

func newCheckSettingsCmd() *cobra.Command {
	var envFile, settingsFile string
	cmd := &cobra.Command{
		Use:   "check-settings",
		Short: "Validate and print the effective local settings",
		Long: `Load the default settings, the optional YAML settings file and environment
overrides, validate the result and print it as YAML with credentials obfuscated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(envFile); err == nil {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			s, err := config.LoadSettings(settingsFile)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	cmd.Flags().StringVarP(&settingsFile, "settings", "s", config.EnvOrDefault("SETTINGS_FILE", ""), "Path to YAML policy settings file")
	return cmd
}

// printSettings writes s as YAML with every credential obfuscated.
func printSettings(w io.Writer, s *config.Settings) error {
	out := *s
	out.OpenAIAPIKey = obfuscate.Key(s.OpenAIAPIKey)
	out.UsagePandaKey = obfuscate.Key(s.UsagePandaKey)
	if len(s.CustomAuthKeys) > 0 {
		out.CustomAuthKeys = make(map[string]config.CustomAuthKey, len(s.CustomAuthKeys))
		for k, v := range s.CustomAuthKeys {
			v.OpenAIKey = obfuscate.Key(v.OpenAIKey)
			v.UsagePandaKey = obfuscate.Key(v.UsagePandaKey)
			out.CustomAuthKeys[obfuscate.Generic(k)] = v
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return enc.Close()
}
